// Package order builds Order aggregates from validated drafts.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordersync/internal/model"
	"ordersync/internal/validation"
)

// ErrInvalidQuantity is returned when a draft line has a non-positive quantity.
var ErrInvalidQuantity = errors.New("invalid quantity")

// Now and NewID are overridable in tests.
var (
	Now   = func() time.Time { return time.Now().UTC() }
	NewID = func() string { return uuid.NewString() }
)

// LineSnapshot freezes an item as it was when the line was validated.
type LineSnapshot struct {
	LineID    string          `json:"lineId"`
	ItemID    int64           `json:"itemId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Category  string          `json:"category,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Order struct {
	ID             string         `json:"id"`
	OwnerAccountID int64          `json:"ownerAccountId"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt,omitempty"`
	Lines          []LineSnapshot `json:"lines"`
}

// Total is the sum of the line subtotals.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Subtotal)
	}
	return total
}

// Assemble turns a draft into a new Order. The outcome must come from
// validating this draft; passing an invalid outcome panics.
func Assemble(draft model.DraftOrder, outcome validation.Outcome) (Order, error) {
	lines, err := snapshotLines(draft, outcome)
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:             NewID(),
		OwnerAccountID: outcome.Account.ID,
		CreatedAt:      Now(),
		Lines:          lines,
	}, nil
}

// ApplyUpdate replaces every line of existing with lines built from draft.
// Identity, owner and creation time are kept. Ownership is not checked here.
func ApplyUpdate(existing Order, draft model.DraftOrder, outcome validation.Outcome) (Order, error) {
	lines, err := snapshotLines(draft, outcome)
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:             existing.ID,
		OwnerAccountID: existing.OwnerAccountID,
		CreatedAt:      existing.CreatedAt,
		UpdatedAt:      Now(),
		Lines:          lines,
	}, nil
}

func snapshotLines(draft model.DraftOrder, outcome validation.Outcome) ([]LineSnapshot, error) {
	if !outcome.Valid || outcome.Account == nil {
		panic("order: assemble called with an invalid validation outcome")
	}
	lines := make([]LineSnapshot, 0, len(draft.Lines))
	for _, dl := range draft.Lines {
		it, ok := outcome.Item(dl.ItemID)
		if !ok {
			panic(fmt.Sprintf("order: item %d missing from a valid outcome", dl.ItemID))
		}
		if dl.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %d for item %q", ErrInvalidQuantity, dl.Quantity, it.Name)
		}
		lines = append(lines, LineSnapshot{
			LineID:    NewID(),
			ItemID:    it.ID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Category:  it.Category,
			ImageURL:  it.ImageURL,
			Quantity:  dl.Quantity,
			Subtotal:  it.UnitPrice.Mul(decimal.NewFromInt(int64(dl.Quantity))),
		})
	}
	return lines, nil
}

package model

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Item is the local replica of a catalog entry owned by the catalog service.
type Item struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	StockLevel int             `json:"stockLevel"`
	Category   string          `json:"category"`
	Brand      string          `json:"brand"`
	ImageURL   string          `json:"imageUrl"`
}

// UnmarshalJSON also accepts the short "price" and "stock" names some catalog
// producers emit. The long names win when both are present.
func (it *Item) UnmarshalJSON(b []byte) error {
	type plain Item
	var w struct {
		plain
		Price *decimal.Decimal `json:"price"`
		Stock *int             `json:"stock"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*it = Item(w.plain)
	var names map[string]json.RawMessage
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	if _, ok := names["unitPrice"]; !ok && w.Price != nil {
		it.UnitPrice = *w.Price
	}
	if _, ok := names["stockLevel"]; !ok && w.Stock != nil {
		it.StockLevel = *w.Stock
	}
	return nil
}

// HasPrice reports whether a raw item payload carries a non-null price under
// either accepted name.
func HasPrice(b []byte) bool {
	var names map[string]json.RawMessage
	if err := json.Unmarshal(b, &names); err != nil {
		return false
	}
	for _, k := range []string{"unitPrice", "price"} {
		if v, ok := names[k]; ok && string(v) != "null" {
			return true
		}
	}
	return false
}

// Account is the local replica of a user account owned by the account service.
type Account struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Address   string `json:"address"`
}

// DraftLine is one client-supplied, unvalidated order line.
type DraftLine struct {
	ItemID   int64 `json:"itemId"`
	Quantity int   `json:"quantity"`
}

// DraftOrder is the client-submitted order shape.
type DraftOrder struct {
	Lines []DraftLine `json:"lines"`
}

// ItemIDs returns the distinct item ids referenced by the draft, in first-appearance order.
func (d DraftOrder) ItemIDs() []int64 {
	seen := make(map[int64]struct{}, len(d.Lines))
	ids := make([]int64, 0, len(d.Lines))
	for _, l := range d.Lines {
		if _, ok := seen[l.ItemID]; ok {
			continue
		}
		seen[l.ItemID] = struct{}{}
		ids = append(ids, l.ItemID)
	}
	return ids
}

// Identity is the authenticated caller as resolved by the request layer.
// Either field may be used to find the caller's account; AccountID wins when set.
type Identity struct {
	AccountID int64  `json:"accountId,omitempty"`
	Email     string `json:"email,omitempty"`
}

func (i Identity) String() string {
	if i.AccountID > 0 {
		return "id " + strconv.FormatInt(i.AccountID, 10)
	}
	return NormalizeEmail(i.Email)
}

// NormalizeEmail is the canonical form used by the account email index.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

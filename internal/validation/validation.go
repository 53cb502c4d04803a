// Package validation checks a draft order against the local item and account
// replicas. The account and the items are resolved concurrently on a bounded
// pool shared by all callers, and both results are joined before deciding.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/replica"
	"ordersync/internal/resync"
)

const (
	DefaultPoolSize = 4
	MinPoolSize     = 2
	MaxPoolSize     = 5
	DefaultTimeout  = 2 * time.Second
)

// Reason says why an outcome is invalid.
type Reason int

const (
	None Reason = iota
	MalformedDraft
	AccountNotFound
	ItemsNotFound
)

func (r Reason) String() string {
	switch r {
	case MalformedDraft:
		return "malformed_draft"
	case AccountNotFound:
		return "account_not_found"
	case ItemsNotFound:
		return "items_not_found"
	default:
		return "valid"
	}
}

// Outcome is the result of validating one draft. Not-found and malformed
// drafts are reported here, never as errors.
type Outcome struct {
	Valid          bool           `json:"valid"`
	Reason         Reason         `json:"-"`
	Account        *model.Account `json:"account,omitempty"`
	Items          []model.Item   `json:"items,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	MissingItemIDs []int64        `json:"missingItemIds,omitempty"`
}

// Item returns the resolved item with the given id.
func (o Outcome) Item(id int64) (model.Item, bool) {
	for _, it := range o.Items {
		if it.ID == id {
			return it, true
		}
	}
	return model.Item{}, false
}

func invalid(r Reason, msg string) Outcome {
	return Outcome{Reason: r, ErrorMessage: msg}
}

// AccountLookup is the read side of the account replica.
type AccountLookup interface {
	Get(id int64) (model.Account, bool, error)
	GetByEmail(email string) (model.Account, bool, error)
	Count() (int, error)
}

type Config struct {
	PoolSize int
	Timeout  time.Duration
	Resync   resync.Requester
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

type Engine struct {
	items    replica.Reader[int64, model.Item]
	accounts AccountLookup
	pool     *semaphore.Weighted
	cfg      Config
	log      *slog.Logger
}

func NewEngine(items replica.Reader[int64, model.Item], accounts AccountLookup, cfg Config) *Engine {
	switch {
	case cfg.PoolSize <= 0:
		cfg.PoolSize = DefaultPoolSize
	case cfg.PoolSize < MinPoolSize:
		cfg.PoolSize = MinPoolSize
	case cfg.PoolSize > MaxPoolSize:
		cfg.PoolSize = MaxPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Engine{
		items:    items,
		accounts: accounts,
		pool:     semaphore.NewWeighted(int64(cfg.PoolSize)),
		cfg:      cfg,
		log:      lg.With("component", "validation"),
	}
}

// resolved collects task results; on timeout it is read while stragglers may still write.
type resolved struct {
	mu      sync.Mutex
	account *model.Account
	items   map[int64]model.Item
}

// Validate resolves the caller's account and every referenced item and joins
// the results. The returned error is non-nil only for internal failures
// (replica read errors) or when ctx itself is done.
func (e *Engine) Validate(ctx context.Context, draft model.DraftOrder, caller model.Identity) (Outcome, error) {
	start := time.Now()
	out, err := e.validate(ctx, draft, caller)
	if err == nil && e.cfg.Metrics != nil {
		e.cfg.Metrics.Validations.WithLabelValues(out.Reason.String()).Inc()
		e.cfg.Metrics.ValidationLatency.Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (e *Engine) validate(ctx context.Context, draft model.DraftOrder, caller model.Identity) (Outcome, error) {
	if msg := malformed(draft); msg != "" {
		return invalid(MalformedDraft, msg), nil
	}
	e.checkFreshness(ctx)

	tctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	ids := draft.ItemIDs()
	res := &resolved{items: make(map[int64]model.Item, len(ids))}
	g, gctx := errgroup.WithContext(tctx)
	g.Go(func() error { return e.resolveAccount(gctx, caller, res) })
	g.Go(func() error { return e.resolveItems(gctx, ids, res) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, fmt.Errorf("validate: %w", err)
		}
	case <-tctx.Done():
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		e.log.Warn("validation timed out, treating unresolved lookups as not found", "timeout", e.cfg.Timeout)
	}

	res.mu.Lock()
	defer res.mu.Unlock()
	if res.account == nil {
		return invalid(AccountNotFound, "account not found: "+caller.String()), nil
	}
	var missing []int64
	items := make([]model.Item, 0, len(ids))
	for _, id := range ids {
		it, ok := res.items[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		items = append(items, it)
	}
	if len(missing) > 0 {
		out := invalid(ItemsNotFound, "items not found: "+joinIDs(missing))
		out.MissingItemIDs = missing
		return out, nil
	}
	acc := *res.account
	return Outcome{Valid: true, Account: &acc, Items: items}, nil
}

func (e *Engine) resolveAccount(ctx context.Context, caller model.Identity, res *resolved) error {
	if err := e.pool.Acquire(ctx, 1); err != nil {
		return nil // timed out waiting for a slot; stays unresolved
	}
	defer e.pool.Release(1)

	var (
		acc   model.Account
		found bool
		err   error
	)
	switch {
	case caller.AccountID > 0:
		acc, found, err = e.accounts.Get(caller.AccountID)
	case caller.Email != "":
		acc, found, err = e.accounts.GetByEmail(caller.Email)
	}
	if err != nil {
		return fmt.Errorf("account lookup: %w", err)
	}
	if found {
		res.mu.Lock()
		res.account = &acc
		res.mu.Unlock()
	}
	return nil
}

func (e *Engine) resolveItems(ctx context.Context, ids []int64, res *resolved) error {
	if err := e.pool.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer e.pool.Release(1)

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		it, found, err := e.items.Get(id)
		if err != nil {
			return fmt.Errorf("item %d lookup: %w", id, err)
		}
		if found {
			res.mu.Lock()
			res.items[id] = it
			res.mu.Unlock()
		}
	}
	return nil
}

// checkFreshness flags empty replicas. An empty replica usually means the
// initial load never arrived, so every validation against it would fail.
func (e *Engine) checkFreshness(ctx context.Context) {
	if n, err := e.items.Count(); err == nil && n == 0 {
		e.stale(ctx, "items")
	}
	if n, err := e.accounts.Count(); err == nil && n == 0 {
		e.stale(ctx, "accounts")
	}
}

func (e *Engine) stale(ctx context.Context, entity string) {
	e.log.Warn("replica is empty", "entity", entity)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.StaleReplica.WithLabelValues(entity).Inc()
	}
	if e.cfg.Resync == nil {
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.cfg.Resync.Request(rctx, entity, "replica empty"); err != nil {
			e.log.Error("resync request failed", "entity", entity, "err", err)
			return
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.ResyncRequested.WithLabelValues(entity).Inc()
		}
	}()
}

func malformed(d model.DraftOrder) string {
	if len(d.Lines) == 0 {
		return "order has no lines"
	}
	for i, l := range d.Lines {
		if l.ItemID <= 0 {
			return fmt.Sprintf("line %d: invalid item id %d", i+1, l.ItemID)
		}
		if l.Quantity <= 0 {
			return fmt.Sprintf("line %d: quantity must be positive for item %d", i+1, l.ItemID)
		}
	}
	return ""
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

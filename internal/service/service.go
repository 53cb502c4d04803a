// Package service runs the order flows: validate a draft against the
// replicas, assemble or update the aggregate, then persist it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ordersync/internal/model"
	"ordersync/internal/order"
	"ordersync/internal/orderstore"
	"ordersync/internal/validation"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid order")
)

// InvalidError carries the validation outcome of a rejected draft.
type InvalidError struct {
	Outcome validation.Outcome
}

func (e *InvalidError) Error() string { return e.Outcome.ErrorMessage }

func (e *InvalidError) Is(target error) bool { return target == ErrInvalid }

// Validator is the validation engine as seen by the service.
type Validator interface {
	Validate(ctx context.Context, draft model.DraftOrder, caller model.Identity) (validation.Outcome, error)
}

// Repository stores orders. orderstore.Store is the production implementation.
type Repository interface {
	Save(ctx context.Context, o order.Order) error
	Get(ctx context.Context, id string) (order.Order, error)
	ListByOwner(ctx context.Context, owner int64) ([]order.Order, error)
	Delete(ctx context.Context, id string) error
}

type OrderService struct {
	validator Validator
	repo      Repository
	log       *slog.Logger
}

func New(v Validator, repo Repository, lg *slog.Logger) *OrderService {
	if lg == nil {
		lg = slog.Default()
	}
	return &OrderService{validator: v, repo: repo, log: lg.With("component", "orders")}
}

// Place validates the draft for caller and stores a new order owned by the caller's account.
func (s *OrderService) Place(ctx context.Context, caller model.Identity, draft model.DraftOrder) (order.Order, error) {
	out, err := s.validate(ctx, caller, draft)
	if err != nil {
		return order.Order{}, err
	}
	o, err := order.Assemble(draft, out)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.repo.Save(ctx, o); err != nil {
		return order.Order{}, fmt.Errorf("save order: %w", err)
	}
	s.log.Info("order placed", "order_id", o.ID, "owner", o.OwnerAccountID, "lines", len(o.Lines), "total", o.Total().StringFixed(2))
	return o, nil
}

// Update replaces the lines of an order the caller owns.
func (s *OrderService) Update(ctx context.Context, caller model.Identity, id string, draft model.DraftOrder) (order.Order, error) {
	existing, err := s.load(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	out, err := s.validate(ctx, caller, draft)
	if err != nil {
		return order.Order{}, err
	}
	if out.Account.ID != existing.OwnerAccountID {
		return order.Order{}, fmt.Errorf("%w: order %s belongs to another account", ErrForbidden, id)
	}
	updated, err := order.ApplyUpdate(existing, draft, out)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.repo.Save(ctx, updated); err != nil {
		return order.Order{}, fmt.Errorf("save order: %w", err)
	}
	s.log.Info("order updated", "order_id", id, "lines", len(updated.Lines))
	return updated, nil
}

func (s *OrderService) Get(ctx context.Context, id string) (order.Order, error) {
	return s.load(ctx, id)
}

func (s *OrderService) ListByOwner(ctx context.Context, owner int64) ([]order.Order, error) {
	return s.repo.ListByOwner(ctx, owner)
}

func (s *OrderService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, orderstore.ErrNotFound) {
			return fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete order: %w", err)
	}
	s.log.Info("order deleted", "order_id", id)
	return nil
}

func (s *OrderService) load(ctx context.Context, id string) (order.Order, error) {
	o, err := s.repo.Get(ctx, id)
	if errors.Is(err, orderstore.ErrNotFound) {
		return order.Order{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}

func (s *OrderService) validate(ctx context.Context, caller model.Identity, draft model.DraftOrder) (validation.Outcome, error) {
	out, err := s.validator.Validate(ctx, draft, caller)
	if err != nil {
		return validation.Outcome{}, fmt.Errorf("validate: %w", err)
	}
	if !out.Valid {
		s.log.Info("draft rejected", "reason", out.Reason.String(), "msg", out.ErrorMessage)
		return validation.Outcome{}, &InvalidError{Outcome: out}
	}
	return out, nil
}

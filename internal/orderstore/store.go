// Package orderstore persists assembled orders in SQLite.
package orderstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ordersync/internal/order"
	"ordersync/internal/orderstore/migrations"
)

// ErrNotFound is returned when no order has the requested id.
var ErrNotFound = errors.New("order not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// Save upserts the order header and replaces all of its lines in one transaction.
func (s *Store) Save(ctx context.Context, o order.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, owner_account_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		o.ID, o.OwnerAccountID, toMillis(o.CreatedAt), toMillis(o.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = ?`, o.ID); err != nil {
		return fmt.Errorf("clear lines %s: %w", o.ID, err)
	}
	for i, l := range o.Lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_lines (line_id, order_id, position, item_id, name, unit_price, category, image_url, quantity, subtotal)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.LineID, o.ID, i, l.ItemID, l.Name, l.UnitPrice, l.Category, l.ImageURL, l.Quantity, l.Subtotal); err != nil {
			return fmt.Errorf("insert line %s: %w", l.LineID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (order.Order, error) {
	var (
		o                  order.Order
		created, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_account_id, created_at, updated_at FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &o.OwnerAccountID, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	o.CreatedAt, o.UpdatedAt = fromMillis(created), fromMillis(updatedAt)
	if o.Lines, err = s.lines(ctx, id); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// ListByOwner returns the owner's orders, oldest first.
func (s *Store) ListByOwner(ctx context.Context, owner int64) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_account_id, created_at, updated_at FROM orders
		 WHERE owner_account_id = ? ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []order.Order
	for rows.Next() {
		var (
			o                  order.Order
			created, updatedAt int64
		)
		if err := rows.Scan(&o.ID, &o.OwnerAccountID, &created, &updatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.CreatedAt, o.UpdatedAt = fromMillis(created), fromMillis(updatedAt)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list orders: %w", err)
	}
	_ = rows.Close()
	for i := range out {
		if out[i].Lines, err = s.lines(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes the order and its lines.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = ?`, id); err != nil {
		return fmt.Errorf("delete lines %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) lines(ctx context.Context, orderID string) ([]order.LineSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_id, item_id, name, unit_price, category, image_url, quantity, subtotal
		 FROM order_lines WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("lines %s: %w", orderID, err)
	}
	defer rows.Close()
	var lines []order.LineSnapshot
	for rows.Next() {
		var l order.LineSnapshot
		if err := rows.Scan(&l.LineID, &l.ItemID, &l.Name, &l.UnitPrice, &l.Category, &l.ImageURL, &l.Quantity, &l.Subtotal); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lines %s: %w", orderID, err)
	}
	return lines, nil
}

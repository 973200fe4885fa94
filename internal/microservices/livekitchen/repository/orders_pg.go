package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"live-kitchen/internal/domain"
)

type PGOrders struct {
	db *pgxpool.Pool
}

func NewPGOrders(db *pgxpool.Pool) *PGOrders {
	return &PGOrders{db: db}
}

func (r *PGOrders) CreateOrder(ctx context.Context, o domain.Order) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrInsertFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// 1. order
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (order_id, restaurant_id, customer_id, placed_at, client_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, o.OrderID, o.RestaurantID, o.CustomerID, o.Time.Time, clientTime(o), string(o.Status))
	if err != nil {
		return fmt.Errorf("%w: failed to insert order: %v", ErrInsertFailed, err)
	}

	// 2. items, in submitted order
	for i, item := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, position, name, price, description, quantity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, o.OrderID, i, item.Name, item.Price, item.Description, item.Quantity)
		if err != nil {
			return fmt.Errorf("%w: failed to insert order item %s: %v", ErrInsertFailed, item.Name, err)
		}
	}

	// 3. status log
	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at)
		VALUES ($1, $2, $3, NOW())
	`, o.OrderID, string(o.Status), o.CustomerID)
	if err != nil {
		return fmt.Errorf("%w: failed to insert order status log: %v", ErrInsertFailed, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrInsertFailed, err)
	}
	return nil
}

func clientTime(o domain.Order) *time.Time {
	if o.ClientTime == nil {
		return nil
	}
	return &o.ClientTime.Time
}

func statusStrings(ss []domain.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (r *PGOrders) UpdateStatus(ctx context.Context, orderID string, to domain.Status, from []domain.Status, changedBy string) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `UPDATE orders SET status = $2, updated_at = NOW() WHERE order_id = $1 AND status <> $2`
	args := []any{orderID, string(to)}
	if len(from) > 0 {
		query += ` AND status = ANY($3)`
		args = append(args, statusStrings(from))
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at)
		VALUES ($1, $2, $3, NOW())
	`, orderID, string(to), changedBy); err != nil {
		return 0, fmt.Errorf("failed to insert order status log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGOrders) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o := domain.Order{OrderID: orderID}
	var (
		status string
		client *time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT restaurant_id, customer_id, placed_at, client_time, status FROM orders WHERE order_id = $1
	`, orderID).Scan(&o.RestaurantID, &o.CustomerID, &o.Time.Time, &client, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	o.Status = domain.Status(status)
	o.Time = domain.NewOrderTime(o.Time.Time)
	if client != nil {
		ct := domain.NewOrderTime(*client)
		o.ClientTime = &ct
	}

	rows, err := r.db.Query(ctx, `
		SELECT name, price::float8, description, quantity FROM order_items
		WHERE order_id = $1 ORDER BY position
	`, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.Name, &it.Price, &it.Description, &it.Quantity); err != nil {
			return domain.Order{}, fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r *PGOrders) StatusLog(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check order: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.db.Query(ctx, `
		SELECT status, changed_by, changed_at FROM order_status_log
		WHERE order_id = $1 ORDER BY changed_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status log: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusChange
	for rows.Next() {
		ch := domain.StatusChange{OrderID: orderID}
		var status string
		if err := rows.Scan(&status, &ch.ChangedBy, &ch.ChangedAt); err != nil {
			return nil, err
		}
		ch.Status = domain.Status(status)
		out = append(out, ch)
	}
	return out, rows.Err()
}

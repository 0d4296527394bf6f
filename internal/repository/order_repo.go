package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

var ErrNotFound = errors.New("not found")

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// GetByID retrieves an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `
		SELECT id, number, customer_id, status, created_at, updated_at
		FROM provisioning.orders
		WHERE id = $1
	`

	o := &models.Order{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.Status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	items, err := r.getItems(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

func (r *OrderRepository) getItems(ctx context.Context, orderID string) ([]*models.OrderItem, error) {
	query := `
		SELECT id, order_id, plan_id, quantity, provisioning_summary, created_at, updated_at
		FROM provisioning.order_items
		WHERE order_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []*models.OrderItem
	for rows.Next() {
		item := &models.OrderItem{}
		var summary []byte
		err := rows.Scan(
			&item.ID, &item.OrderID, &item.PlanID, &item.Quantity,
			&summary, &item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if len(summary) > 0 {
			item.ProvisioningSummary = &models.ItemSummary{}
			if err := json.Unmarshal(summary, item.ProvisioningSummary); err != nil {
				return nil, fmt.Errorf("decode provisioning summary: %w", err)
			}
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// UpdateStatus sets the aggregate order status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE provisioning.orders SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// UpdateItemSummary persists the provisioning summary onto one item.
func (r *OrderRepository) UpdateItemSummary(ctx context.Context, itemID string, summary *models.ItemSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode provisioning summary: %w", err)
	}

	query := `
		UPDATE provisioning.order_items
		SET provisioning_summary = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err = r.pool.Exec(ctx, query, payload, itemID)
	if err != nil {
		return fmt.Errorf("update item summary: %w", err)
	}
	return nil
}

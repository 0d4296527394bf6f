package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

type ClientRepository struct {
	pool *pgxpool.Pool
}

func NewClientRepository(pool *pgxpool.Pool) *ClientRepository {
	return &ClientRepository{pool: pool}
}

const clientColumns = `id, inbound_id, plan_id, order_id, customer_id,
	client_id, email, sub_id, flow, total_bytes, expiry_ms,
	connection_link, subscription_link, proxy_link,
	active, synthesized, remote_error, reseller,
	created_at, updated_at`

func (r *ClientRepository) Create(ctx context.Context, sc *models.ServerClient) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provisioning.server_clients (
			id, inbound_id, plan_id, order_id, customer_id,
			client_id, email, sub_id, flow, total_bytes, expiry_ms,
			connection_link, subscription_link, proxy_link,
			active, synthesized, remote_error, reseller
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18
		)
	`
	_, err := r.pool.Exec(ctx, query,
		sc.ID, sc.InboundID, sc.PlanID, sc.OrderID, sc.CustomerID,
		sc.ClientID, sc.Email, sc.SubID, sc.Flow, sc.TotalBytes, sc.ExpiryMS,
		sc.ConnectionLink, sc.SubscriptionLink, sc.ProxyLink,
		sc.Active, sc.Synthesized, sc.RemoteError, sc.Reseller,
	)
	if err != nil {
		return fmt.Errorf("insert server_client: %w", err)
	}
	return nil
}

func (r *ClientRepository) GetByOrderID(ctx context.Context, orderID string) ([]*models.ServerClient, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM provisioning.server_clients
		WHERE order_id = $1
		ORDER BY created_at ASC
	`, clientColumns)
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query server_clients: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *ClientRepository) GetActiveByCustomer(ctx context.Context, customerID string) ([]*models.ServerClient, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM provisioning.server_clients
		WHERE customer_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`, clientColumns)
	rows, err := r.pool.Query(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("query server_clients: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *ClientRepository) scanMany(rows pgx.Rows) ([]*models.ServerClient, error) {
	var results []*models.ServerClient
	for rows.Next() {
		sc := &models.ServerClient{}
		err := rows.Scan(
			&sc.ID, &sc.InboundID, &sc.PlanID, &sc.OrderID, &sc.CustomerID,
			&sc.ClientID, &sc.Email, &sc.SubID, &sc.Flow, &sc.TotalBytes, &sc.ExpiryMS,
			&sc.ConnectionLink, &sc.SubscriptionLink, &sc.ProxyLink,
			&sc.Active, &sc.Synthesized, &sc.RemoteError, &sc.Reseller,
			&sc.CreatedAt, &sc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan server_client row: %w", err)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

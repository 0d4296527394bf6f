package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// AuditRepository persists order_server_clients, the append-only record of
// provisioning attempts. Rows are never updated; retries append new ones.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Create(ctx context.Context, row *models.OrderServerClient) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provisioning.order_server_clients (
			id, order_id, order_item_id, server_client_id, inbound_id,
			provision_status, attempts, started_at, finished_at, duration_ms,
			config, remote_payload, error_message
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)
	`
	_, err := r.pool.Exec(ctx, query,
		row.ID, row.OrderID, row.OrderItemID, row.ServerClientID, row.InboundID,
		row.ProvisionStatus, row.Attempts, row.StartedAt, row.FinishedAt, row.DurationMS,
		row.Config, row.RemotePayload, row.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert order_server_client: %w", err)
	}
	return nil
}

func (r *AuditRepository) GetByOrderID(ctx context.Context, orderID string) ([]*models.OrderServerClient, error) {
	query := `
		SELECT id, order_id, order_item_id, server_client_id, inbound_id,
			   provision_status, attempts, started_at, finished_at, duration_ms,
			   config, remote_payload, error_message, created_at
		FROM provisioning.order_server_clients
		WHERE order_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order_server_clients: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *AuditRepository) scanMany(rows pgx.Rows) ([]*models.OrderServerClient, error) {
	var results []*models.OrderServerClient
	for rows.Next() {
		row := &models.OrderServerClient{}
		err := rows.Scan(
			&row.ID, &row.OrderID, &row.OrderItemID, &row.ServerClientID, &row.InboundID,
			&row.ProvisionStatus, &row.Attempts, &row.StartedAt, &row.FinishedAt, &row.DurationMS,
			&row.Config, &row.RemotePayload, &row.ErrorMessage, &row.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order_server_client row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

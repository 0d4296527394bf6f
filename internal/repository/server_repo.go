package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

const serverColumns = `id, name, category, panel_host, panel_port, panel_base_path,
	panel_username, panel_password, public_host, subscription_port,
	is_healthy, last_checked_at, enabled, created_at, updated_at`

func (r *ServerRepository) GetByID(ctx context.Context, id string) (*models.Server, error) {
	query := fmt.Sprintf(`SELECT %s FROM provisioning.servers WHERE id = $1`, serverColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// MarkHealth records the outcome of a panel health probe.
func (r *ServerRepository) MarkHealth(ctx context.Context, id string, healthy bool) error {
	query := `
		UPDATE provisioning.servers
		SET is_healthy = $1, last_checked_at = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.pool.Exec(ctx, query, healthy, time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark server health: %w", err)
	}
	return nil
}

func (r *ServerRepository) scanOne(row pgx.Row) (*models.Server, error) {
	s := &models.Server{}
	err := row.Scan(
		&s.ID, &s.Name, &s.Category, &s.PanelHost, &s.PanelPort, &s.PanelBasePath,
		&s.PanelUsername, &s.PanelPassword, &s.PublicHost, &s.SubscriptionPort,
		&s.IsHealthy, &s.LastCheckedAt, &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return s, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

const planColumns = `id, server_id, name, protocol, provisioning_type, category, type,
	max_clients, provisioned_count, data_limit_gb, daily_limit_gb,
	duration_days, trial_days, preferred_inbound_id, enabled,
	created_at, updated_at`

func (r *PlanRepository) GetByID(ctx context.Context, id string) (*models.ServerPlan, error) {
	query := fmt.Sprintf(`SELECT %s FROM provisioning.server_plans WHERE id = $1`, planColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// IncrementProvisioned bumps the plan's provisioned client counter.
func (r *PlanRepository) IncrementProvisioned(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE provisioning.server_plans
		SET provisioned_count = provisioned_count + $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.pool.Exec(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("increment plan provisioned_count: %w", err)
	}
	return nil
}

func (r *PlanRepository) scanOne(row pgx.Row) (*models.ServerPlan, error) {
	p := &models.ServerPlan{}
	err := row.Scan(
		&p.ID, &p.ServerID, &p.Name, &p.Protocol, &p.ProvisioningType, &p.Category, &p.Type,
		&p.MaxClients, &p.ProvisionedCount, &p.DataLimitGB, &p.DailyLimitGB,
		&p.DurationDays, &p.TrialDays, &p.PreferredInboundID, &p.Enabled,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server_plan: %w", err)
	}
	return p, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// ErrNoFreePort is returned when the allocator exhausts its attempt budget.
var ErrNoFreePort = errors.New("no free port available")

type InboundRepository struct {
	pool *pgxpool.Pool
}

func NewInboundRepository(pool *pgxpool.Pool) *InboundRepository {
	return &InboundRepository{pool: pool}
}

const inboundColumns = `id, server_id, remote_id, port, protocol, remark,
	settings, stream_settings, sniffing, allocate,
	capacity, client_count, enabled, dedicated, created_at, updated_at`

func (r *InboundRepository) GetByID(ctx context.Context, id string) (*models.ServerInbound, error) {
	query := fmt.Sprintf(`SELECT %s FROM provisioning.server_inbounds WHERE id = $1`, inboundColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetBestShared returns the shared listener with the most free capacity
// for the given server and protocol. Placeholder rows (no remote id) and
// dedicated listeners never qualify.
func (r *InboundRepository) GetBestShared(ctx context.Context, serverID, protocol string) (*models.ServerInbound, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM provisioning.server_inbounds
		WHERE server_id = $1
		  AND protocol = $2
		  AND enabled = TRUE
		  AND dedicated = FALSE
		  AND remote_id IS NOT NULL
		  AND (capacity = 0 OR client_count < capacity)
		ORDER BY (CASE WHEN capacity = 0 THEN 2147483647 ELSE capacity - client_count END) DESC
		LIMIT 1
	`, inboundColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, serverID, protocol))
}

func (r *InboundRepository) Create(ctx context.Context, in *models.ServerInbound) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provisioning.server_inbounds (
			id, server_id, remote_id, port, protocol, remark,
			settings, stream_settings, sniffing, allocate,
			capacity, client_count, enabled, dedicated
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)
	`
	_, err := r.pool.Exec(ctx, query,
		in.ID, in.ServerID, in.RemoteID, in.Port, in.Protocol, in.Remark,
		in.Settings, in.StreamSettings, in.Sniffing, in.Allocate,
		in.Capacity, in.ClientCount, in.Enabled, in.Dedicated,
	)
	if err != nil {
		return fmt.Errorf("insert server_inbound: %w", err)
	}
	return nil
}

// Update rewrites the mutable listener fields, typically to promote a port
// placeholder into a live mirror of the remote listener.
func (r *InboundRepository) Update(ctx context.Context, in *models.ServerInbound) error {
	query := `
		UPDATE provisioning.server_inbounds SET
			remote_id = $1, protocol = $2, remark = $3,
			settings = $4, stream_settings = $5, sniffing = $6, allocate = $7,
			capacity = $8, client_count = $9, enabled = $10, dedicated = $11,
			updated_at = NOW()
		WHERE id = $12
	`
	_, err := r.pool.Exec(ctx, query,
		in.RemoteID, in.Protocol, in.Remark,
		in.Settings, in.StreamSettings, in.Sniffing, in.Allocate,
		in.Capacity, in.ClientCount, in.Enabled, in.Dedicated,
		in.ID,
	)
	if err != nil {
		return fmt.Errorf("update server_inbound: %w", err)
	}
	return nil
}

// Delete removes a listener row, used to roll back failed dedicated creates.
func (r *InboundRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM provisioning.server_inbounds WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete server_inbound: %w", err)
	}
	return nil
}

// IncrementClients bumps the listener's client counter.
func (r *InboundRepository) IncrementClients(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE provisioning.server_inbounds
		SET client_count = client_count + $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.pool.Exec(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("increment inbound client_count: %w", err)
	}
	return nil
}

// ReservePort picks a free random port for the server and inserts a
// disabled placeholder row reserving it, all inside one transaction that
// row-locks the server's existing listener rows. reservedPorts lets a
// caller exclude ports it picked earlier in the same provisioning call
// before their rows became visible to it.
func (r *InboundRepository) ReservePort(ctx context.Context, serverID string, reservedPorts []int, minPort, maxPort, attempts int) (*models.ServerInbound, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve port tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT port FROM provisioning.server_inbounds WHERE server_id = $1 FOR UPDATE`, serverID)
	if err != nil {
		return nil, fmt.Errorf("lock server ports: %w", err)
	}

	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan port: %w", err)
		}
		used[port] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ports: %w", err)
	}

	for _, port := range reservedPorts {
		used[port] = true
	}

	port, ok := pickFreePort(used, minPort, maxPort, attempts, rand.Intn)
	if !ok {
		return nil, ErrNoFreePort
	}

	in := &models.ServerInbound{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		Port:      port,
		Remark:    "port-reserved",
		Enabled:   false,
		Dedicated: true,
	}

	query := `
		INSERT INTO provisioning.server_inbounds (
			id, server_id, port, protocol, remark, capacity, client_count, enabled, dedicated
		) VALUES ($1, $2, $3, '', $4, 0, 0, FALSE, TRUE)
	`
	if _, err := tx.Exec(ctx, query, in.ID, in.ServerID, in.Port, in.Remark); err != nil {
		return nil, fmt.Errorf("insert port placeholder: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve port tx: %w", err)
	}

	return in, nil
}

// pickFreePort draws random candidates from [minPort, maxPort] until one
// misses the used set or the attempt budget runs out.
func pickFreePort(used map[int]bool, minPort, maxPort, attempts int, intn func(int) int) (int, bool) {
	span := maxPort - minPort + 1
	if span <= 0 {
		return 0, false
	}
	for i := 0; i < attempts; i++ {
		candidate := minPort + intn(span)
		if !used[candidate] {
			return candidate, true
		}
	}
	return 0, false
}

func (r *InboundRepository) scanOne(row pgx.Row) (*models.ServerInbound, error) {
	in := &models.ServerInbound{}
	err := row.Scan(
		&in.ID, &in.ServerID, &in.RemoteID, &in.Port, &in.Protocol, &in.Remark,
		&in.Settings, &in.StreamSettings, &in.Sniffing, &in.Allocate,
		&in.Capacity, &in.ClientCount, &in.Enabled, &in.Dedicated,
		&in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server_inbound: %w", err)
	}
	return in, nil
}

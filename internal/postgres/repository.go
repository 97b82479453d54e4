package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// AuditRepository is the durable history of what happened on the mesh:
// admissions, dispatched commands and firmware updates. Redis holds the live
// view; this table set answers "what did the gateway do last Tuesday".
type AuditRepository interface {
	RecordNode(ctx context.Context, node *domain.MeshNode) error
	RecordExecution(ctx context.Context, exec *domain.CommandExecution) error
	RecordFirmwareUpdate(ctx context.Context, outcome *domain.FirmwareOutcome) error
	RecentExecutions(ctx context.Context, limit int) ([]*domain.CommandExecution, error)
	ExecutionsForTarget(ctx context.Context, target uint16, limit int) ([]*domain.CommandExecution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the AuditRepository interface.
func NewRepository(pool *pgxpool.Pool) AuditRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) RecordNode(ctx context.Context, node *domain.MeshNode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO provisioned_nodes
			(address, uuid, name, group_address, firmware_version, provisioned_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE
		SET uuid = EXCLUDED.uuid,
		    name = EXCLUDED.name,
		    group_address = EXCLUDED.group_address,
		    firmware_version = EXCLUDED.firmware_version,
		    provisioned_at = EXCLUDED.provisioned_at
	`,
		int32(node.Address), node.UUID, node.Name,
		int32(node.GroupAddress), node.FirmwareVersion, node.ProvisionedAt,
	)
	if err != nil {
		return fmt.Errorf("record node 0x%04X: %w", node.Address, err)
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.CommandExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO command_executions
			(id, command_id, target, type, success, attempts, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		exec.ID, exec.CommandID, int32(exec.Target), exec.Type,
		exec.Success, exec.Attempts, exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution of command %s: %w", exec.CommandID, err)
	}
	return nil
}

func (r *repository) RecordFirmwareUpdate(ctx context.Context, outcome *domain.FirmwareOutcome) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO firmware_updates
			(id, node_address, success, skipped, from_version, to_version, duration_ms, error, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		uuid.New().String(), int32(outcome.NodeAddress), outcome.Success, outcome.Skipped,
		outcome.FromVersion, outcome.ToVersion, outcome.Duration.Milliseconds(),
		outcome.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record firmware update for node 0x%04X: %w", outcome.NodeAddress, err)
	}
	return nil
}

func (r *repository) RecentExecutions(ctx context.Context, limit int) ([]*domain.CommandExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, command_id, target, type, success, attempts, duration_ms, error, executed_at
		FROM command_executions
		ORDER BY executed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (r *repository) ExecutionsForTarget(ctx context.Context, target uint16, limit int) ([]*domain.CommandExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, command_id, target, type, success, attempts, duration_ms, error, executed_at
		FROM command_executions
		WHERE target = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, int32(target), limit)
	if err != nil {
		return nil, fmt.Errorf("list executions for 0x%04X: %w", target, err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func collectExecutions(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*domain.CommandExecution, error) {
	var execs []*domain.CommandExecution
	for rows.Next() {
		var exec domain.CommandExecution
		var target int32
		err := rows.Scan(
			&exec.ID, &exec.CommandID, &target, &exec.Type,
			&exec.Success, &exec.Attempts, &exec.DurationMs, &exec.Error, &exec.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.Target = uint16(target)
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

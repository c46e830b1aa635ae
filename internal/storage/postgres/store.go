package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tatu1984/netwatch-sub000/internal/broker"
	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// Store is the PostgreSQL implementation of broker.PersistenceGateway.
type Store struct {
	pool *pgxpool.Pool
}

var _ broker.PersistenceGateway = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateCommand(ctx context.Context, cmd *broker.Command) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commands (id, machine_id, operator_id, kind, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cmd.ID, cmd.MachineID, cmd.OperatorID, cmd.Kind, cmd.Payload, cmd.Status, cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, cmd *broker.Command) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE commands
		SET status = $2, sent_at = $3, executed_at = $4, response = $5
		WHERE id = $1`,
		cmd.ID, cmd.Status, cmd.SentAt, cmd.ExecutedAt, cmd.Response)
	if err != nil {
		return fmt.Errorf("update command %s: %w", cmd.ID, err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *broker.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, machine_id, operator_id, kind, status, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.MachineID, sess.OperatorID, sess.Kind, sess.Status, sess.StartedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sess *broker.Session) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, ended_at = $3
		WHERE id = $1`,
		sess.ID, sess.Status, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) CreateFileTransfer(ctx context.Context, t *broker.FileTransfer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO file_transfers (id, machine_id, direction, path, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.MachineID, t.Direction, t.Path, t.Status, t.Progress, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file transfer: %w", err)
	}
	return nil
}

func (s *Store) UpdateFileTransferProgress(ctx context.Context, t *broker.FileTransfer) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE file_transfers
		SET status = $2, progress = $3
		WHERE id = $1`,
		t.ID, t.Status, t.Progress)
	if err != nil {
		return fmt.Errorf("update file transfer %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) UpdateMachineStatus(ctx context.Context, machineID string, online bool, metrics *protocol.Metrics) error {
	var err error
	if metrics == nil {
		// Presence-only update: keep the last persisted metrics sample.
		_, err = s.pool.Exec(ctx, `
			INSERT INTO machines (machine_id, online, last_seen_at, updated_at)
			VALUES ($1, $2, now(), now())
			ON CONFLICT (machine_id) DO UPDATE
			SET online = EXCLUDED.online,
			    last_seen_at = EXCLUDED.last_seen_at,
			    updated_at = now()`,
			machineID, online)
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO machines (machine_id, online, cpu_percent, memory_percent, last_seen_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (machine_id) DO UPDATE
			SET online = EXCLUDED.online,
			    cpu_percent = EXCLUDED.cpu_percent,
			    memory_percent = EXCLUDED.memory_percent,
			    last_seen_at = EXCLUDED.last_seen_at,
			    updated_at = now()`,
			machineID, online, metrics.CPUPercent, metrics.MemoryPercent)
	}
	if err != nil {
		return fmt.Errorf("upsert machine %s: %w", machineID, err)
	}
	return nil
}

func (s *Store) AppendAuditRecord(ctx context.Context, machineID, kind string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (machine_id, kind, payload)
		VALUES ($1, $2, $3)`,
		machineID, kind, payload)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

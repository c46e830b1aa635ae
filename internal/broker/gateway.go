package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// PersistenceGateway is the broker's boundary to the external storage
// layer, which is the system of record for commands, sessions and
// transfers. The broker never queries it on the telemetry hot path.
//
// Failures are non-fatal to in-memory routing except for the Create
// operations: a command or session that cannot be persisted must not
// become routable.
type PersistenceGateway interface {
	CreateCommand(ctx context.Context, cmd *Command) error
	UpdateCommandStatus(ctx context.Context, cmd *Command) error
	CreateSession(ctx context.Context, s *Session) error
	UpdateSessionStatus(ctx context.Context, s *Session) error
	CreateFileTransfer(ctx context.Context, t *FileTransfer) error
	UpdateFileTransferProgress(ctx context.Context, t *FileTransfer) error
	// UpdateMachineStatus records presence and, when a heartbeat sample
	// is attached, the latest metrics. A nil metrics means presence
	// only: connect and disconnect must not clobber the last persisted
	// sample.
	UpdateMachineStatus(ctx context.Context, machineID string, online bool, metrics *protocol.Metrics) error
	AppendAuditRecord(ctx context.Context, machineID, kind string, payload []byte) error
}

const persistTimeout = 5 * time.Second

// persistAsync runs a fire-and-forget gateway call off the caller's
// goroutine. Errors are logged and otherwise ignored.
func persistAsync(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn("Persistence call failed", "op", op, "error", err)
		}
	}()
}

func logSendFailure(peer, id, msgType string, err error) {
	slog.Debug("Dropped outbound message", "peer", peer, "id", id, "type", msgType, "error", err)
}

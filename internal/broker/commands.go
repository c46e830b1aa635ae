package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// CommandRouter accepts operator commands, persists them, and delivers
// them to the target agent: immediately when it is connected, else on
// its next reconnect, in submission order. Responses are correlated
// back to the tracked command and fanned out to the machine's watchers.
type CommandRouter struct {
	registry *ConnectionRegistry
	watchers *WatcherRegistry
	gateway  PersistenceGateway

	mu       sync.Mutex
	pending  map[string][]*Command // machineID -> FIFO awaiting delivery
	inflight map[string]*Command   // commandID -> SENT, awaiting response
}

func NewCommandRouter(registry *ConnectionRegistry, watchers *WatcherRegistry, gateway PersistenceGateway) *CommandRouter {
	return &CommandRouter{
		registry: registry,
		watchers: watchers,
		gateway:  gateway,
		pending:  make(map[string][]*Command),
		inflight: make(map[string]*Command),
	}
}

// Submit creates a persisted PENDING command and attempts immediate
// delivery. Reports queued=true when the command stayed PENDING for a
// later replay: the target is offline, earlier commands are still
// queued ahead of it, or delivery failed. Persistence failure aborts
// the submission: a command with no backing record is never routable.
func (cr *CommandRouter) Submit(ctx context.Context, machineID, operatorID, kind string, payload json.RawMessage) (*Command, bool, error) {
	cmd := &Command{
		ID:         uuid.New().String(),
		MachineID:  machineID,
		OperatorID: operatorID,
		Kind:       kind,
		Payload:    payload,
		Status:     CommandPending,
		CreatedAt:  time.Now(),
	}

	if err := cr.gateway.CreateCommand(ctx, cmd); err != nil {
		return nil, false, fmt.Errorf("persist command: %w", err)
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	// Direct delivery only when nothing is already waiting; overtaking
	// the pending queue would break per-machine FIFO.
	link, online := cr.registry.Lookup(machineID)
	if !online || len(cr.pending[machineID]) > 0 {
		cr.pending[machineID] = append(cr.pending[machineID], cmd)
		slog.Info("Command queued", "command_id", cmd.ID, "machine_id", machineID, "kind", kind, "online", online)
		return cmd, true, nil
	}

	if !cr.deliverLocked(cmd, link) {
		return cmd, true, nil
	}
	return cmd, false, nil
}

// OnAgentReconnect replays every pending command for the machine in
// creation order, marking each SENT. Commands are never reordered or
// dropped across a reconnect.
func (cr *CommandRouter) OnAgentReconnect(machineID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	queue := cr.pending[machineID]
	if len(queue) == 0 {
		return
	}

	link, online := cr.registry.Lookup(machineID)
	if !online {
		return
	}

	delete(cr.pending, machineID)
	slog.Info("Replaying pending commands", "machine_id", machineID, "count", len(queue))
	for i, cmd := range queue {
		if !cr.deliverLocked(cmd, link) {
			// The failed command is already back in the queue; the rest
			// must stay behind it.
			cr.pending[machineID] = append(cr.pending[machineID], queue[i+1:]...)
			return
		}
	}
}

// deliverLocked pushes the command to the agent link and transitions it
// PENDING -> SENT, reporting whether delivery succeeded. On failure the
// command is appended back to the machine's pending queue. Caller holds
// cr.mu.
func (cr *CommandRouter) deliverLocked(cmd *Command, link Link) bool {
	env := protocol.MustEncode(protocol.TypeCommand, protocol.Command{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Payload:   cmd.Payload,
	})
	if err := link.Send(env); err != nil {
		// Keep it pending; the reconnect replay will retry.
		cr.pending[cmd.MachineID] = append(cr.pending[cmd.MachineID], cmd)
		slog.Warn("Command delivery failed, left pending", "command_id", cmd.ID, "machine_id", cmd.MachineID, "error", err)
		return false
	}

	now := time.Now()
	cmd.Status = CommandSent
	cmd.SentAt = &now
	cr.inflight[cmd.ID] = cmd

	snapshot := *cmd
	persistAsync("update_command_status", func(ctx context.Context) error {
		return cr.gateway.UpdateCommandStatus(ctx, &snapshot)
	})
	return true
}

// OnAgentResponse resolves a SENT command to EXECUTED or FAILED and
// notifies the machine's watchers. Responses for unknown or already
// terminal command ids are logged and dropped; they never create a
// phantom command or surface an error.
func (cr *CommandRouter) OnAgentResponse(resp protocol.CommandResponse) {
	cr.mu.Lock()
	cmd, ok := cr.inflight[resp.CommandID]
	if !ok {
		cr.mu.Unlock()
		slog.Warn("Stale command response dropped", "command_id", resp.CommandID)
		return
	}
	delete(cr.inflight, resp.CommandID)

	now := time.Now()
	cmd.ExecutedAt = &now
	if resp.Success {
		cmd.Status = CommandExecuted
		cmd.Response = resp.Response
	} else {
		cmd.Status = CommandFailed
		cmd.Response = resp.Error
	}
	snapshot := *cmd
	cr.mu.Unlock()

	persistAsync("update_command_status", func(ctx context.Context) error {
		return cr.gateway.UpdateCommandStatus(ctx, &snapshot)
	})

	env := protocol.MustEncode(protocol.TypeCommandResponse, resp)
	for _, c := range cr.watchers.WatchersOf(cmd.MachineID) {
		c.send(env)
	}
}

// PendingCount reports how many commands await delivery to a machine.
func (cr *CommandRouter) PendingCount(machineID string) int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.pending[machineID])
}

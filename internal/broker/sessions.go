package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// SessionManager creates and tracks interactive sessions (screen view,
// remote control, remote shell) and file transfers. All session I/O is
// routed by session id, never by machine id, so concurrent sessions
// against the same machine from different operators stay separate.
type SessionManager struct {
	registry *ConnectionRegistry
	watchers *WatcherRegistry
	gateway  PersistenceGateway
	stream   protocol.StreamConfig

	mu        sync.Mutex
	sessions  map[string]*Session
	transfers map[string]*FileTransfer
}

func NewSessionManager(registry *ConnectionRegistry, watchers *WatcherRegistry, gateway PersistenceGateway, stream protocol.StreamConfig) *SessionManager {
	return &SessionManager{
		registry:  registry,
		watchers:  watchers,
		gateway:   gateway,
		stream:    stream,
		sessions:  make(map[string]*Session),
		transfers: make(map[string]*FileTransfer),
	}
}

// Start creates a session for the console against an online agent.
// SHELL sessions stay PENDING until the agent acknowledges the start
// instruction; VIEW and CONTROL become ACTIVE immediately, since their
// agent-side engagement is the watch room's screen stream. An offline
// target fails fast: a FAILED record is written best-effort and
// ErrAgentOffline is returned to the caller.
func (sm *SessionManager) Start(ctx context.Context, c *Console, machineID string, kind SessionKind, shell string) (*Session, error) {
	s := &Session{
		ID:         uuid.New().String(),
		MachineID:  machineID,
		OperatorID: c.OperatorID,
		Kind:       kind,
		StartedAt:  time.Now(),
		console:    c,
	}

	link, online := sm.registry.Lookup(machineID)
	if !online {
		s.Status = SessionFailed
		now := time.Now()
		s.EndedAt = &now
		snapshot := *s
		persistAsync("create_session", func(ctx context.Context) error {
			return sm.gateway.CreateSession(ctx, &snapshot)
		})
		return nil, ErrAgentOffline
	}

	s.Status = SessionPending
	if kind != SessionShell {
		s.Status = SessionActive
	}

	if err := sm.gateway.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()

	switch kind {
	case SessionShell:
		env := protocol.MustEncode(protocol.TypeStartTerminal, protocol.StartTerminal{SessionID: s.ID, Shell: shell})
		if err := link.Send(env); err != nil {
			sm.fail(s.ID, "agent transport error")
			return nil, fmt.Errorf("start terminal: %w", err)
		}
	case SessionView, SessionControl:
		if first := sm.watchers.Watch(machineID, c); first {
			env := protocol.MustEncode(protocol.TypeStartScreenStream, sm.stream)
			if err := link.Send(env); err != nil {
				slog.Warn("Start stream instruction failed", "machine_id", machineID, "error", err)
			}
		}
	}

	slog.Info("Session started", "session_id", s.ID, "machine_id", machineID, "operator_id", c.OperatorID, "kind", kind, "status", s.Status)
	return s, nil
}

// Ack applies the agent's acknowledgement of a session start
// instruction. Acks for unknown or terminal sessions are dropped.
func (sm *SessionManager) Ack(ack protocol.SessionAck) {
	sm.mu.Lock()
	s, ok := sm.sessions[ack.SessionID]
	if !ok || s.Status.Terminal() {
		sm.mu.Unlock()
		slog.Warn("Stale session ack dropped", "session_id", ack.SessionID)
		return
	}

	if !ack.OK {
		sm.mu.Unlock()
		sm.fail(ack.SessionID, ack.Error)
		return
	}

	s.Status = SessionActive
	snapshot := *s
	console := s.console
	sm.mu.Unlock()

	persistAsync("update_session_status", func(ctx context.Context) error {
		return sm.gateway.UpdateSessionStatus(ctx, &snapshot)
	})
	console.send(sessionStateEnvelope(&snapshot, ""))
}

// End terminates the session. It is idempotent: both the explicit stop
// path and the disconnect paths may race to end the same session, and
// only the first transition notifies peers or releases the watch room.
func (sm *SessionManager) End(sessionID string) {
	sm.end(sessionID, SessionEnded, "", true)
}

func (sm *SessionManager) fail(sessionID, reason string) {
	sm.end(sessionID, SessionFailed, reason, true)
}

func (sm *SessionManager) end(sessionID string, status SessionStatus, reason string, notifyAgent bool) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		sm.mu.Unlock()
		return
	}

	s.Status = status
	now := time.Now()
	s.EndedAt = &now
	delete(sm.sessions, sessionID)
	snapshot := *s
	console := s.console
	sm.mu.Unlock()

	persistAsync("update_session_status", func(ctx context.Context) error {
		return sm.gateway.UpdateSessionStatus(ctx, &snapshot)
	})

	if snapshot.Kind == SessionView || snapshot.Kind == SessionControl {
		if last := sm.watchers.Unwatch(snapshot.MachineID, console); last {
			if err := sm.registry.Send(snapshot.MachineID, protocol.Envelope{Type: protocol.TypeStopScreenStream}); err != nil {
				slog.Debug("Stop stream instruction not delivered", "machine_id", snapshot.MachineID, "error", err)
			}
		}
	}

	if notifyAgent && snapshot.Kind == SessionShell {
		env := protocol.MustEncode(protocol.TypeEndSession, protocol.EndSession{SessionID: sessionID})
		if err := sm.registry.Send(snapshot.MachineID, env); err != nil {
			slog.Debug("Session end not delivered to agent", "machine_id", snapshot.MachineID, "error", err)
		}
	}

	console.send(sessionStateEnvelope(&snapshot, reason))
	slog.Info("Session ended", "session_id", sessionID, "machine_id", snapshot.MachineID, "status", status)
}

// EndForMachine force-terminates every live session against the
// machine. Run when its agent disconnects; the dead agent is not
// notified, each affected console is, exactly once.
func (sm *SessionManager) EndForMachine(machineID string) {
	for _, id := range sm.sessionIDs(func(s *Session) bool { return s.MachineID == machineID }) {
		sm.end(id, SessionEnded, "agent disconnected", false)
	}
}

// EndForConsole terminates every session owned by a departing console.
func (sm *SessionManager) EndForConsole(c *Console) {
	for _, id := range sm.sessionIDs(func(s *Session) bool { return s.console == c }) {
		sm.end(id, SessionEnded, "console disconnected", true)
	}
}

func (sm *SessionManager) sessionIDs(match func(*Session) bool) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var ids []string
	for id, s := range sm.sessions {
		if match(s) {
			ids = append(ids, id)
		}
	}
	return ids
}

// RouteInput forwards operator input (terminal keystrokes, mouse and
// keyboard events) to the session's agent. The console must own the
// session.
func (sm *SessionManager) RouteInput(c *Console, sessionID string, env protocol.Envelope) error {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok || s.console != c {
		sm.mu.Unlock()
		return fmt.Errorf("no session %s for this console", sessionID)
	}
	machineID := s.MachineID
	sm.mu.Unlock()

	return sm.registry.Send(machineID, env)
}

// RouteOutput forwards agent output to the session's console. Output
// referencing an unknown session, or a session belonging to a different
// machine, is dropped.
func (sm *SessionManager) RouteOutput(machineID, sessionID string, env protocol.Envelope) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok || s.MachineID != machineID {
		sm.mu.Unlock()
		slog.Debug("Session output dropped", "session_id", sessionID, "machine_id", machineID)
		return
	}
	console := s.console
	sm.mu.Unlock()

	console.send(env)
}

// StartTransfer creates a file transfer and delivers the instruction to
// the agent. Like sessions, transfers require a persisted record and an
// online target.
func (sm *SessionManager) StartTransfer(ctx context.Context, c *Console, req protocol.FileTransferRequest) (*FileTransfer, error) {
	link, online := sm.registry.Lookup(req.MachineID)
	if !online {
		return nil, ErrAgentOffline
	}

	direction := TransferDownload
	if req.Direction == string(TransferUpload) || req.Direction == "upload" {
		direction = TransferUpload
	}

	t := &FileTransfer{
		ID:        uuid.New().String(),
		MachineID: req.MachineID,
		Direction: direction,
		Path:      req.Path,
		Status:    TransferInProgress,
		CreatedAt: time.Now(),
		console:   c,
	}

	if err := sm.gateway.CreateFileTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("persist file transfer: %w", err)
	}

	sm.mu.Lock()
	sm.transfers[t.ID] = t
	sm.mu.Unlock()

	env := protocol.MustEncode(protocol.TypeFileTransfer, protocol.FileTransferRequest{
		TransferID: t.ID,
		Direction:  string(direction),
		Path:       req.Path,
		Data:       req.Data,
	})
	if err := link.Send(env); err != nil {
		sm.finishTransfer(t.ID, TransferFailed, 0, "agent transport error")
		return nil, fmt.Errorf("deliver file transfer: %w", err)
	}

	slog.Info("File transfer started", "transfer_id", t.ID, "machine_id", t.MachineID, "direction", direction, "path", req.Path)
	return t, nil
}

// OnTransferProgress applies an agent progress event and forwards it to
// the requesting console. Progress 100 completes the transfer; an error
// fails it. Events for unknown transfers are dropped.
func (sm *SessionManager) OnTransferProgress(machineID string, p protocol.FileTransferProgress) {
	sm.mu.Lock()
	t, ok := sm.transfers[p.TransferID]
	if !ok || t.MachineID != machineID {
		sm.mu.Unlock()
		slog.Warn("Stale transfer progress dropped", "transfer_id", p.TransferID, "machine_id", machineID)
		return
	}
	t.Progress = p.Progress
	console := t.console
	sm.mu.Unlock()

	console.send(protocol.MustEncode(protocol.TypeFileTransferProgress, p))

	switch {
	case p.Error != "":
		sm.finishTransfer(p.TransferID, TransferFailed, p.Progress, p.Error)
	case p.Progress >= 100:
		sm.finishTransfer(p.TransferID, TransferCompleted, 100, "")
	default:
		snapshot := *t
		persistAsync("update_file_transfer_progress", func(ctx context.Context) error {
			return sm.gateway.UpdateFileTransferProgress(ctx, &snapshot)
		})
	}
}

func (sm *SessionManager) finishTransfer(transferID string, status TransferStatus, progress int, reason string) {
	sm.mu.Lock()
	t, ok := sm.transfers[transferID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	t.Status = status
	t.Progress = progress
	delete(sm.transfers, transferID)
	snapshot := *t
	sm.mu.Unlock()

	persistAsync("update_file_transfer_progress", func(ctx context.Context) error {
		return sm.gateway.UpdateFileTransferProgress(ctx, &snapshot)
	})
	slog.Info("File transfer finished", "transfer_id", transferID, "status", status, "reason", reason)
}

func sessionStateEnvelope(s *Session, reason string) protocol.Envelope {
	return protocol.MustEncode(protocol.TypeSessionState, protocol.SessionState{
		SessionID: s.ID,
		MachineID: s.MachineID,
		Kind:      string(s.Kind),
		Status:    string(s.Status),
		Error:     reason,
	})
}

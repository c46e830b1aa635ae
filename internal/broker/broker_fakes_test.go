package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// fakeLink records every envelope pushed to a peer connection.
type fakeLink struct {
	mu       sync.Mutex
	sent     []protocol.Envelope
	closed   bool
	failSend error
}

func (l *fakeLink) Send(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSend != nil {
		return l.failSend
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) setFailSend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSend = err
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) envelopes() []protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.Envelope, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *fakeLink) sentTypes() []string {
	var types []string
	for _, env := range l.envelopes() {
		types = append(types, env.Type)
	}
	return types
}

func (l *fakeLink) countType(msgType string) int {
	n := 0
	for _, env := range l.envelopes() {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func newTestConsole(operatorID string) (*Console, *fakeLink) {
	link := &fakeLink{}
	return &Console{ID: uuid.New().String(), OperatorID: operatorID, Link: link}, link
}

// fakeGateway counts persistence calls and supports error injection for
// the create operations.
type fakeGateway struct {
	mu sync.Mutex

	failCreateCommand  error
	failCreateSession  error
	failCreateTransfer error

	createdCommands  []Command
	commandUpdates   []Command
	createdSessions  []Session
	sessionUpdates   []Session
	createdTransfers []FileTransfer
	transferUpdates  []FileTransfer
	machineUpdates   []string
	machineMetrics   []*protocol.Metrics
	auditKinds       []string
}

func newFakeGateway() *fakeGateway { return &fakeGateway{} }

func (g *fakeGateway) CreateCommand(_ context.Context, cmd *Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreateCommand != nil {
		return g.failCreateCommand
	}
	g.createdCommands = append(g.createdCommands, *cmd)
	return nil
}

func (g *fakeGateway) UpdateCommandStatus(_ context.Context, cmd *Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commandUpdates = append(g.commandUpdates, *cmd)
	return nil
}

func (g *fakeGateway) CreateSession(_ context.Context, s *Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreateSession != nil {
		return g.failCreateSession
	}
	g.createdSessions = append(g.createdSessions, *s)
	return nil
}

func (g *fakeGateway) UpdateSessionStatus(_ context.Context, s *Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionUpdates = append(g.sessionUpdates, *s)
	return nil
}

func (g *fakeGateway) CreateFileTransfer(_ context.Context, t *FileTransfer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreateTransfer != nil {
		return g.failCreateTransfer
	}
	g.createdTransfers = append(g.createdTransfers, *t)
	return nil
}

func (g *fakeGateway) UpdateFileTransferProgress(_ context.Context, t *FileTransfer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferUpdates = append(g.transferUpdates, *t)
	return nil
}

func (g *fakeGateway) UpdateMachineStatus(_ context.Context, machineID string, online bool, metrics *protocol.Metrics) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.machineUpdates = append(g.machineUpdates, machineID)
	g.machineMetrics = append(g.machineMetrics, metrics)
	return nil
}

func (g *fakeGateway) machineMetricsSamples() []*protocol.Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*protocol.Metrics, len(g.machineMetrics))
	copy(out, g.machineMetrics)
	return out
}

func (g *fakeGateway) AppendAuditRecord(_ context.Context, machineID, kind string, _ []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auditKinds = append(g.auditKinds, kind)
	return nil
}

func (g *fakeGateway) auditCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.auditKinds)
}

func (g *fakeGateway) sessionUpdateStatuses() []SessionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []SessionStatus
	for _, s := range g.sessionUpdates {
		out = append(out, s.Status)
	}
	return out
}

func (g *fakeGateway) commandUpdateStatuses() []CommandStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []CommandStatus
	for _, c := range g.commandUpdates {
		out = append(out, c.Status)
	}
	return out
}

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

func newSessionFixture(t *testing.T) (*SessionManager, *ConnectionRegistry, *WatcherRegistry, *fakeGateway) {
	t.Helper()
	registry := NewConnectionRegistry()
	watchers := NewWatcherRegistry()
	gateway := newFakeGateway()
	sm := NewSessionManager(registry, watchers, gateway, protocol.StreamConfig{Quality: 60, FPS: 10})
	return sm, registry, watchers, gateway
}

func TestSessionManager_StartShellSession(t *testing.T) {
	sm, registry, _, gateway := newSessionFixture(t)
	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})
	console, consoleLink := newTestConsole("op-1")

	s, err := sm.Start(context.Background(), console, "machine-1", SessionShell, "bash")
	require.NoError(t, err)
	assert.Equal(t, SessionPending, s.Status)

	require.Len(t, agent.envelopes(), 1)
	start, err := protocol.Decode[protocol.StartTerminal](agent.envelopes()[0])
	require.NoError(t, err)
	assert.Equal(t, s.ID, start.SessionID)
	assert.Equal(t, "bash", start.Shell)

	require.Len(t, gateway.createdSessions, 1)

	// Agent acknowledgement moves PENDING -> ACTIVE and tells the console.
	sm.Ack(protocol.SessionAck{SessionID: s.ID, OK: true})
	require.Equal(t, 1, consoleLink.countType(protocol.TypeSessionState))
	state, err := protocol.Decode[protocol.SessionState](consoleLink.envelopes()[0])
	require.NoError(t, err)
	assert.Equal(t, string(SessionActive), state.Status)
}

func TestSessionManager_StartControlSessionJoinsWatchRoom(t *testing.T) {
	sm, registry, watchers, _ := newSessionFixture(t)
	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})
	console, _ := newTestConsole("op-1")

	s, err := sm.Start(context.Background(), console, "machine-1", SessionControl, "")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)
	assert.Len(t, watchers.WatchersOf("machine-1"), 1)
	assert.Equal(t, 1, agent.countType(protocol.TypeStartScreenStream))

	// Second session against the same machine must not restart the stream.
	other, _ := newTestConsole("op-2")
	_, err = sm.Start(context.Background(), other, "machine-1", SessionView, "")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.countType(protocol.TypeStartScreenStream))

	// Ending the last session sends the single stop instruction.
	sm.End(s.ID)
	assert.Equal(t, 0, agent.countType(protocol.TypeStopScreenStream))
	sm.EndForConsole(other)
	assert.Equal(t, 1, agent.countType(protocol.TypeStopScreenStream))
}

func TestSessionManager_StartAgainstOfflineAgentFailsFast(t *testing.T) {
	sm, _, _, _ := newSessionFixture(t)
	console, _ := newTestConsole("op-1")

	s, err := sm.Start(context.Background(), console, "offline-machine", SessionShell, "")
	assert.ErrorIs(t, err, ErrAgentOffline)
	assert.Nil(t, s)
}

func TestSessionManager_PersistenceFailureAbortsStart(t *testing.T) {
	sm, registry, _, gateway := newSessionFixture(t)
	registry.Register("machine-1", &fakeLink{}, protocol.HostInfo{})
	gateway.failCreateSession = errors.New("database down")
	console, _ := newTestConsole("op-1")

	s, err := sm.Start(context.Background(), console, "machine-1", SessionShell, "")
	require.Error(t, err)
	assert.Nil(t, s)

	// Input for the never-created session must not route anywhere.
	err = sm.RouteInput(console, "ghost-session", protocol.Envelope{Type: protocol.TypeTerminalInput})
	assert.Error(t, err)
}

func TestSessionManager_EndIsIdempotent(t *testing.T) {
	sm, registry, _, gateway := newSessionFixture(t)
	registry.Register("machine-1", &fakeLink{}, protocol.HostInfo{})
	console, consoleLink := newTestConsole("op-1")

	s, err := sm.Start(context.Background(), console, "machine-1", SessionShell, "")
	require.NoError(t, err)

	sm.End(s.ID)
	sm.End(s.ID)
	sm.End(s.ID)

	// One transition, one notification, no error on repeats.
	assert.Equal(t, 1, consoleLink.countType(protocol.TypeSessionState))
	require.Eventually(t, func() bool {
		return len(gateway.sessionUpdateStatuses()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, SessionEnded, gateway.sessionUpdateStatuses()[0])
}

func TestSessionManager_NegativeAckFailsSession(t *testing.T) {
	sm, registry, _, _ := newSessionFixture(t)
	registry.Register("machine-1", &fakeLink{}, protocol.HostInfo{})
	console, consoleLink := newTestConsole("op-1")

	s, err := sm.Start(context.Background(), console, "machine-1", SessionShell, "")
	require.NoError(t, err)

	sm.Ack(protocol.SessionAck{SessionID: s.ID, OK: false, Error: "shell unavailable"})

	require.Equal(t, 1, consoleLink.countType(protocol.TypeSessionState))
	state, err := protocol.Decode[protocol.SessionState](consoleLink.envelopes()[0])
	require.NoError(t, err)
	assert.Equal(t, string(SessionFailed), state.Status)
	assert.Equal(t, "shell unavailable", state.Error)

	// A late ack for the failed session is dropped.
	sm.Ack(protocol.SessionAck{SessionID: s.ID, OK: true})
	assert.Equal(t, 1, consoleLink.countType(protocol.TypeSessionState))
}

func TestSessionManager_RoutingIsKeyedBySession(t *testing.T) {
	sm, registry, _, _ := newSessionFixture(t)
	agent1 := &fakeLink{}
	agent2 := &fakeLink{}
	registry.Register("machine-1", agent1, protocol.HostInfo{})
	registry.Register("machine-2", agent2, protocol.HostInfo{})

	op1, op1Link := newTestConsole("op-1")
	op2, op2Link := newTestConsole("op-2")

	s1, err := sm.Start(context.Background(), op1, "machine-1", SessionShell, "")
	require.NoError(t, err)
	s2, err := sm.Start(context.Background(), op2, "machine-2", SessionShell, "")
	require.NoError(t, err)

	// Input goes to the session's machine, not anyone else's.
	in := protocol.MustEncode(protocol.TypeTerminalInput, protocol.TerminalInput{SessionID: s1.ID, Text: "ls\n"})
	require.NoError(t, sm.RouteInput(op1, s1.ID, in))
	assert.Equal(t, 1, agent1.countType(protocol.TypeTerminalInput))
	assert.Equal(t, 0, agent2.countType(protocol.TypeTerminalInput))

	// A console cannot inject input into a session it does not own.
	assert.Error(t, sm.RouteInput(op2, s1.ID, in))

	// Output goes only to the owning console, and the machine must match.
	out := protocol.MustEncode(protocol.TypeTerminalOutput, protocol.TerminalOutput{SessionID: s2.ID, Text: "ok"})
	sm.RouteOutput("machine-2", s2.ID, out)
	assert.Equal(t, 1, op2Link.countType(protocol.TypeTerminalOutput))
	assert.Equal(t, 0, op1Link.countType(protocol.TypeTerminalOutput))

	sm.RouteOutput("machine-1", s2.ID, out)
	assert.Equal(t, 1, op2Link.countType(protocol.TypeTerminalOutput))
}

func TestSessionManager_FileTransferLifecycle(t *testing.T) {
	sm, registry, _, gateway := newSessionFixture(t)
	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})
	console, consoleLink := newTestConsole("op-1")

	tr, err := sm.StartTransfer(context.Background(), console, protocol.FileTransferRequest{
		MachineID: "machine-1",
		Direction: "DOWNLOAD",
		Path:      "/var/log/syslog",
	})
	require.NoError(t, err)
	assert.Equal(t, TransferInProgress, tr.Status)
	assert.Equal(t, 1, agent.countType(protocol.TypeFileTransfer))

	sm.OnTransferProgress("machine-1", protocol.FileTransferProgress{TransferID: tr.ID, Progress: 50})
	sm.OnTransferProgress("machine-1", protocol.FileTransferProgress{TransferID: tr.ID, Progress: 100})

	assert.Equal(t, 2, consoleLink.countType(protocol.TypeFileTransferProgress))

	require.Eventually(t, func() bool {
		gateway.mu.Lock()
		defer gateway.mu.Unlock()
		for _, u := range gateway.transferUpdates {
			if u.Status == TransferCompleted {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// Progress after completion is stale and dropped.
	sm.OnTransferProgress("machine-1", protocol.FileTransferProgress{TransferID: tr.ID, Progress: 100})
	assert.Equal(t, 2, consoleLink.countType(protocol.TypeFileTransferProgress))
}

func TestSessionManager_TransferAgainstOfflineAgent(t *testing.T) {
	sm, _, _, _ := newSessionFixture(t)
	console, _ := newTestConsole("op-1")

	_, err := sm.StartTransfer(context.Background(), console, protocol.FileTransferRequest{
		MachineID: "offline", Direction: "UPLOAD", Path: "/tmp/x",
	})
	assert.ErrorIs(t, err, ErrAgentOffline)
}

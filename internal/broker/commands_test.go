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

func newCommandFixture(t *testing.T) (*CommandRouter, *ConnectionRegistry, *WatcherRegistry, *fakeGateway) {
	t.Helper()
	registry := NewConnectionRegistry()
	watchers := NewWatcherRegistry()
	gateway := newFakeGateway()
	return NewCommandRouter(registry, watchers, gateway), registry, watchers, gateway
}

func TestCommandRouter_SubmitDeliversWhenOnline(t *testing.T) {
	cr, registry, _, gateway := newCommandFixture(t)
	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})

	cmd, queued, err := cr.Submit(context.Background(), "machine-1", "op-1", "lock_screen", nil)

	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, CommandSent, cmd.Status)
	require.NotNil(t, cmd.SentAt)

	require.Len(t, agent.envelopes(), 1)
	delivered, err := protocol.Decode[protocol.Command](agent.envelopes()[0])
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, delivered.CommandID)
	assert.Equal(t, "lock_screen", delivered.Kind)

	require.Len(t, gateway.createdCommands, 1)
	assert.Equal(t, CommandPending, gateway.createdCommands[0].Status)
}

func TestCommandRouter_SubmitQueuesWhenOffline(t *testing.T) {
	cr, _, _, _ := newCommandFixture(t)

	cmd, queued, err := cr.Submit(context.Background(), "machine-1", "op-1", "shutdown", nil)

	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, CommandPending, cmd.Status)
	assert.Equal(t, 1, cr.PendingCount("machine-1"))
}

func TestCommandRouter_PersistenceFailureAbortsSubmit(t *testing.T) {
	cr, _, _, gateway := newCommandFixture(t)
	gateway.failCreateCommand = errors.New("database down")

	cmd, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "lock_screen", nil)

	require.Error(t, err)
	assert.Nil(t, cmd)
	// No phantom routable entity without a backing record.
	assert.Equal(t, 0, cr.PendingCount("machine-1"))
}

func TestCommandRouter_ReconnectReplaysInSubmissionOrder(t *testing.T) {
	cr, registry, _, _ := newCommandFixture(t)

	c1, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "first", nil)
	require.NoError(t, err)
	c2, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "second", nil)
	require.NoError(t, err)
	c3, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "third", nil)
	require.NoError(t, err)

	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})
	cr.OnAgentReconnect("machine-1")

	envs := agent.envelopes()
	require.Len(t, envs, 3)
	var got []string
	for _, env := range envs {
		cmd, err := protocol.Decode[protocol.Command](env)
		require.NoError(t, err)
		got = append(got, cmd.CommandID)
	}
	assert.Equal(t, []string{c1.ID, c2.ID, c3.ID}, got)
	assert.Equal(t, 0, cr.PendingCount("machine-1"))
}

func TestCommandRouter_FailedDeliveryStaysQueued(t *testing.T) {
	cr, registry, _, _ := newCommandFixture(t)
	agent := &fakeLink{failSend: errors.New("write: broken pipe")}
	registry.Register("machine-1", agent, protocol.HostInfo{})

	cmd, queued, err := cr.Submit(context.Background(), "machine-1", "op-1", "lock_screen", nil)

	require.NoError(t, err)
	assert.True(t, queued, "a command left PENDING must be reported as queued")
	assert.Equal(t, CommandPending, cmd.Status)
	assert.Equal(t, 1, cr.PendingCount("machine-1"))
}

func TestCommandRouter_SubmitAfterFailedDeliveryKeepsOrder(t *testing.T) {
	cr, registry, _, _ := newCommandFixture(t)
	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})

	// First delivery fails and the command goes back to pending.
	agent.setFailSend(errors.New("write: broken pipe"))
	c1, queued, err := cr.Submit(context.Background(), "machine-1", "op-1", "first", nil)
	require.NoError(t, err)
	assert.True(t, queued)

	// The link recovers, but the second command must not overtake the
	// first; it queues behind it.
	agent.setFailSend(nil)
	c2, queued, err := cr.Submit(context.Background(), "machine-1", "op-1", "second", nil)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Empty(t, agent.envelopes())
	assert.Equal(t, 2, cr.PendingCount("machine-1"))

	cr.OnAgentReconnect("machine-1")

	envs := agent.envelopes()
	require.Len(t, envs, 2)
	var got []string
	for _, env := range envs {
		cmd, err := protocol.Decode[protocol.Command](env)
		require.NoError(t, err)
		got = append(got, cmd.CommandID)
	}
	assert.Equal(t, []string{c1.ID, c2.ID}, got)
	assert.Equal(t, 0, cr.PendingCount("machine-1"))
}

func TestCommandRouter_ReplayHaltsOnFailureWithoutReordering(t *testing.T) {
	cr, registry, _, _ := newCommandFixture(t)

	c1, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "first", nil)
	require.NoError(t, err)
	c2, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "second", nil)
	require.NoError(t, err)

	// The replayed link dies on the first command: both stay pending,
	// still in submission order.
	agent := &fakeLink{failSend: errors.New("write: broken pipe")}
	registry.Register("machine-1", agent, protocol.HostInfo{})
	cr.OnAgentReconnect("machine-1")

	assert.Empty(t, agent.envelopes())
	assert.Equal(t, 2, cr.PendingCount("machine-1"))

	agent.setFailSend(nil)
	cr.OnAgentReconnect("machine-1")

	envs := agent.envelopes()
	require.Len(t, envs, 2)
	first, err := protocol.Decode[protocol.Command](envs[0])
	require.NoError(t, err)
	second, err := protocol.Decode[protocol.Command](envs[1])
	require.NoError(t, err)
	assert.Equal(t, c1.ID, first.CommandID)
	assert.Equal(t, c2.ID, second.CommandID)
}

func TestCommandRouter_ResponseResolvesAndNotifiesWatchers(t *testing.T) {
	cr, registry, watchers, gateway := newCommandFixture(t)
	agent := &fakeLink{}
	registry.Register("machine-1", agent, protocol.HostInfo{})

	watcher, watcherLink := newTestConsole("op-2")
	watchers.Watch("machine-1", watcher)

	cmd, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "execute", nil)
	require.NoError(t, err)

	cr.OnAgentResponse(protocol.CommandResponse{CommandID: cmd.ID, Success: true, Response: "done"})

	require.Equal(t, 1, watcherLink.countType(protocol.TypeCommandResponse))

	require.Eventually(t, func() bool {
		statuses := gateway.commandUpdateStatuses()
		return len(statuses) >= 2 && statuses[len(statuses)-1] == CommandExecuted
	}, time.Second, 10*time.Millisecond)
}

func TestCommandRouter_FailureResponse(t *testing.T) {
	cr, registry, _, gateway := newCommandFixture(t)
	registry.Register("machine-1", &fakeLink{}, protocol.HostInfo{})

	cmd, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "execute", nil)
	require.NoError(t, err)

	cr.OnAgentResponse(protocol.CommandResponse{CommandID: cmd.ID, Success: false, Error: "access denied"})

	require.Eventually(t, func() bool {
		statuses := gateway.commandUpdateStatuses()
		return len(statuses) >= 2 && statuses[len(statuses)-1] == CommandFailed
	}, time.Second, 10*time.Millisecond)
}

func TestCommandRouter_StaleResponseIgnored(t *testing.T) {
	cr, registry, watchers, _ := newCommandFixture(t)
	registry.Register("machine-1", &fakeLink{}, protocol.HostInfo{})
	watcher, watcherLink := newTestConsole("op-1")
	watchers.Watch("machine-1", watcher)

	// Unknown command id: dropped without creating a phantom command.
	cr.OnAgentResponse(protocol.CommandResponse{CommandID: "no-such-command", Success: true})
	assert.Empty(t, watcherLink.envelopes())

	// Already-terminal id: second response is idempotent.
	cmd, _, err := cr.Submit(context.Background(), "machine-1", "op-1", "execute", nil)
	require.NoError(t, err)
	cr.OnAgentResponse(protocol.CommandResponse{CommandID: cmd.ID, Success: true})
	cr.OnAgentResponse(protocol.CommandResponse{CommandID: cmd.ID, Success: true})

	assert.Equal(t, 1, watcherLink.countType(protocol.TypeCommandResponse))
}

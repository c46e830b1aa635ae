package broker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

var ErrAgentOffline = errors.New("agent is not connected")

// agentConn is the registry's record of one live agent connection.
type agentConn struct {
	machineID     string
	link          Link
	host          protocol.HostInfo
	connectedAt   time.Time
	lastHeartbeat time.Time
	metrics       protocol.Metrics
	idle          bool
}

// ConnectionRegistry tracks the single live connection per monitored
// machine. Presence in the map means ONLINE; a machine with no entry is
// OFFLINE. All operations are O(1) map work under one mutex, so the
// at-most-one-connection invariant holds under concurrent registration.
type ConnectionRegistry struct {
	mu     sync.Mutex
	agents map[string]*agentConn
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{agents: make(map[string]*agentConn)}
}

// Register installs link as the machine's live connection. If the
// machine already had one, the prior link is detached and returned so
// the caller can close it and notify watchers of the reconnect; a
// duplicate authentication supersedes, it is never rejected.
func (r *ConnectionRegistry) Register(machineID string, link Link, host protocol.HostInfo) Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded Link
	if existing, ok := r.agents[machineID]; ok {
		slog.Warn("Agent already connected, superseding connection", "machine_id", machineID)
		superseded = existing.link
	}

	now := time.Now()
	r.agents[machineID] = &agentConn{
		machineID:     machineID,
		link:          link,
		host:          host,
		connectedAt:   now,
		lastHeartbeat: now,
	}

	slog.Info("Agent registered", "machine_id", machineID, "hostname", host.Hostname, "total_connections", len(r.agents))
	return superseded
}

// Unregister removes the machine's entry, but only if link is still the
// current connection. A superseded handle disconnecting later must not
// knock out its replacement. Reports whether the entry was removed.
func (r *ConnectionRegistry) Unregister(machineID string, link Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.agents[machineID]
	if !ok || conn.link != link {
		return false
	}
	delete(r.agents, machineID)
	slog.Info("Agent deregistered", "machine_id", machineID, "total_connections", len(r.agents))
	return true
}

// Lookup returns the machine's live link, if any.
func (r *ConnectionRegistry) Lookup(machineID string) (Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.agents[machineID]
	if !ok {
		return nil, false
	}
	return conn.link, true
}

// Send delivers one envelope to the machine's agent, if connected.
func (r *ConnectionRegistry) Send(machineID string, env protocol.Envelope) error {
	link, ok := r.Lookup(machineID)
	if !ok {
		return ErrAgentOffline
	}
	return link.Send(env)
}

// RecordHeartbeat refreshes the machine's liveness timestamp and caches
// its latest metrics. Reports whether the machine is known.
func (r *ConnectionRegistry) RecordHeartbeat(machineID string, hb protocol.Heartbeat, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.agents[machineID]
	if !ok {
		return false
	}
	conn.lastHeartbeat = now
	conn.metrics = hb.Metrics
	conn.idle = hb.IdleState
	return true
}

// SweepTimeouts removes every connection whose last heartbeat is older
// than timeout, closing its link, and returns the affected machines so
// the caller can run the offline cascade for each.
func (r *ConnectionRegistry) SweepTimeouts(now time.Time, timeout time.Duration) []protocol.AgentPresence {
	r.mu.Lock()
	defer r.mu.Unlock()

	var timedOut []protocol.AgentPresence
	for machineID, conn := range r.agents {
		if now.Sub(conn.lastHeartbeat) > timeout {
			slog.Warn("Agent heartbeat timed out", "machine_id", machineID, "last_heartbeat", conn.lastHeartbeat)
			conn.link.Close()
			delete(r.agents, machineID)
			timedOut = append(timedOut, protocol.AgentPresence{MachineID: machineID, Hostname: conn.host.Hostname})
		}
	}
	return timedOut
}

// Snapshot returns the console-facing view of every online machine.
func (r *ConnectionRegistry) Snapshot() []protocol.MachineStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.MachineStatus, 0, len(r.agents))
	for _, conn := range r.agents {
		out = append(out, protocol.MachineStatus{
			MachineID:     conn.machineID,
			Hostname:      conn.host.Hostname,
			OS:            conn.host.OS,
			LastHeartbeat: conn.lastHeartbeat,
			Metrics:       conn.metrics,
		})
	}
	return out
}

// Hostname returns the reported hostname for an online machine.
func (r *ConnectionRegistry) Hostname(machineID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.agents[machineID]; ok {
		return conn.host.Hostname
	}
	return ""
}

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// Config controls broker timing and the screen stream defaults handed
// to agents.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	Stream           protocol.StreamConfig
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Stream.Quality == 0 {
		c.Stream.Quality = 60
	}
	if c.Stream.FPS == 0 {
		c.Stream.FPS = 10
	}
	return c
}

// Broker is the real-time device session broker: it owns the in-memory
// connection, watcher and session state, and routes typed messages
// between the agent and console populations. The transport layer calls
// into it with decoded envelopes; it never touches sockets itself.
type Broker struct {
	cfg      Config
	gateway  PersistenceGateway
	registry *ConnectionRegistry
	watchers *WatcherRegistry
	commands *CommandRouter
	sessions *SessionManager
	relay    *EventRelay

	mu       sync.Mutex
	consoles map[*Console]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(gateway PersistenceGateway, cfg Config) *Broker {
	cfg = cfg.withDefaults()
	registry := NewConnectionRegistry()
	watchers := NewWatcherRegistry()

	b := &Broker{
		cfg:      cfg,
		gateway:  gateway,
		registry: registry,
		watchers: watchers,
		commands: NewCommandRouter(registry, watchers, gateway),
		sessions: NewSessionManager(registry, watchers, gateway, cfg.Stream),
		relay:    NewEventRelay(watchers, gateway),
		consoles: make(map[*Console]struct{}),
		stopCh:   make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Stop halts the heartbeat sweeper. Connections are left to their
// owning handlers.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, stale := range b.registry.SweepTimeouts(now, b.cfg.HeartbeatTimeout) {
				b.agentOfflineCascade(stale.MachineID, stale.Hostname)
			}
		case <-b.stopCh:
			return
		}
	}
}

// OnlineMachines returns the console-facing view of connected agents.
func (b *Broker) OnlineMachines() []protocol.MachineStatus {
	return b.registry.Snapshot()
}

// AgentConnected registers an authenticated agent connection, closing
// any superseded one, replaying the machine's pending commands in
// order, and resuming the screen stream if consoles are already
// watching. Every console learns the machine is online.
func (b *Broker) AgentConnected(machineID string, host protocol.HostInfo, link Link) {
	if superseded := b.registry.Register(machineID, link, host); superseded != nil {
		superseded.Close()
	}

	persistAsync("update_machine_status", func(ctx context.Context) error {
		return b.gateway.UpdateMachineStatus(ctx, machineID, true, nil)
	})

	b.commands.OnAgentReconnect(machineID)

	if len(b.watchers.WatchersOf(machineID)) > 0 {
		env := protocol.MustEncode(protocol.TypeStartScreenStream, b.cfg.Stream)
		if err := link.Send(env); err != nil {
			slog.Warn("Stream resume failed on reconnect", "machine_id", machineID, "error", err)
		}
	}

	b.broadcast(protocol.MustEncode(protocol.TypeAgentOnline, protocol.AgentPresence{
		MachineID: machineID,
		Hostname:  host.Hostname,
	}))
}

// AgentDisconnected runs the offline cascade, but only if link is still
// the machine's current connection; a superseded handle going away is
// not an offline transition.
func (b *Broker) AgentDisconnected(machineID string, link Link) {
	hostname := b.registry.Hostname(machineID)
	if !b.registry.Unregister(machineID, link) {
		return
	}
	b.agentOfflineCascade(machineID, hostname)
}

// agentOfflineCascade force-terminates everything attached to a machine
// that just went offline: active sessions end, the watch room drains,
// and every console hears agent_offline exactly once.
func (b *Broker) agentOfflineCascade(machineID, hostname string) {
	b.sessions.EndForMachine(machineID)
	b.watchers.DrainRoom(machineID)

	persistAsync("update_machine_status", func(ctx context.Context) error {
		return b.gateway.UpdateMachineStatus(ctx, machineID, false, nil)
	})

	b.broadcast(protocol.MustEncode(protocol.TypeAgentOffline, protocol.AgentPresence{
		MachineID: machineID,
		Hostname:  hostname,
	}))
}

// HandleAgentMessage routes one decoded agent frame. A malformed
// payload is logged and dropped; it never terminates the connection's
// stream.
func (b *Broker) HandleAgentMessage(machineID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		hb, err := protocol.Decode[protocol.Heartbeat](env)
		if err != nil {
			slog.Warn("Bad heartbeat payload", "machine_id", machineID, "error", err)
			return
		}
		b.registry.RecordHeartbeat(machineID, hb, time.Now())
		b.relay.Relay(machineID, env)
		persistAsync("update_machine_status", func(ctx context.Context) error {
			return b.gateway.UpdateMachineStatus(ctx, machineID, true, &hb.Metrics)
		})

	case protocol.TypeScreenFrame, protocol.TypeKeystrokes, protocol.TypeClipboard,
		protocol.TypeProcessList, protocol.TypeWebsiteVisit:
		b.relay.Relay(machineID, env)

	case protocol.TypeCommandResponse:
		resp, err := protocol.Decode[protocol.CommandResponse](env)
		if err != nil {
			slog.Warn("Bad command response payload", "machine_id", machineID, "error", err)
			return
		}
		b.commands.OnAgentResponse(resp)

	case protocol.TypeSessionAck:
		ack, err := protocol.Decode[protocol.SessionAck](env)
		if err != nil {
			slog.Warn("Bad session ack payload", "machine_id", machineID, "error", err)
			return
		}
		b.sessions.Ack(ack)

	case protocol.TypeTerminalOutput:
		out, err := protocol.Decode[protocol.TerminalOutput](env)
		if err != nil {
			slog.Warn("Bad terminal output payload", "machine_id", machineID, "error", err)
			return
		}
		b.sessions.RouteOutput(machineID, out.SessionID, env)

	case protocol.TypeFileTransferProgress:
		p, err := protocol.Decode[protocol.FileTransferProgress](env)
		if err != nil {
			slog.Warn("Bad transfer progress payload", "machine_id", machineID, "error", err)
			return
		}
		b.sessions.OnTransferProgress(machineID, p)

	default:
		slog.Warn("Unknown agent message type", "machine_id", machineID, "type", env.Type)
	}
}

// ConsoleConnected adds an authenticated console to the population that
// receives fleet-wide presence events.
func (b *Broker) ConsoleConnected(c *Console) {
	b.mu.Lock()
	b.consoles[c] = struct{}{}
	total := len(b.consoles)
	b.mu.Unlock()
	slog.Info("Console connected", "console_id", c.ID, "operator_id", c.OperatorID, "total_consoles", total)
}

// ConsoleDisconnected releases everything the departing console holds:
// its sessions end, its watch memberships are dropped, and any room it
// drained gets its single stop-stream instruction.
func (b *Broker) ConsoleDisconnected(c *Console) {
	b.mu.Lock()
	delete(b.consoles, c)
	total := len(b.consoles)
	b.mu.Unlock()

	b.sessions.EndForConsole(c)
	for _, machineID := range b.watchers.DropConsole(c) {
		if err := b.registry.Send(machineID, protocol.Envelope{Type: protocol.TypeStopScreenStream}); err != nil {
			slog.Debug("Stop stream instruction not delivered", "machine_id", machineID, "error", err)
		}
	}
	slog.Info("Console disconnected", "console_id", c.ID, "total_consoles", total)
}

// HandleConsoleMessage routes one decoded console frame. Failures are
// reported back to the console without breaking its stream.
func (b *Broker) HandleConsoleMessage(ctx context.Context, c *Console, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWatchComputer:
		req, err := protocol.Decode[protocol.WatchComputer](env)
		if err != nil {
			b.consoleError(c, "invalid watch request")
			return
		}
		b.watch(c, req.MachineID)

	case protocol.TypeUnwatchComputer:
		req, err := protocol.Decode[protocol.WatchComputer](env)
		if err != nil {
			b.consoleError(c, "invalid unwatch request")
			return
		}
		b.unwatch(c, req.MachineID)

	case protocol.TypeSendCommand:
		req, err := protocol.Decode[protocol.SendCommand](env)
		if err != nil {
			b.consoleError(c, "invalid command request")
			return
		}
		b.submitCommand(ctx, c, req.MachineID, req.Kind, req.Payload)

	case protocol.TypeRequestScreenshot:
		req, err := protocol.Decode[protocol.RequestScreenshot](env)
		if err != nil {
			b.consoleError(c, "invalid screenshot request")
			return
		}
		b.submitCommand(ctx, c, req.MachineID, "screenshot", nil)

	case protocol.TypeStartRemoteControl:
		req, err := protocol.Decode[protocol.StartRemoteControl](env)
		if err != nil {
			b.consoleError(c, "invalid remote control request")
			return
		}
		kind := SessionView
		if req.Mode == "control" {
			kind = SessionControl
		}
		b.startSession(ctx, c, req.MachineID, kind, "")

	case protocol.TypeStartTerminal:
		req, err := protocol.Decode[protocol.StartTerminal](env)
		if err != nil {
			b.consoleError(c, "invalid terminal request")
			return
		}
		b.startSession(ctx, c, req.MachineID, SessionShell, req.Shell)

	case protocol.TypeTerminalInput:
		in, err := protocol.Decode[protocol.TerminalInput](env)
		if err != nil {
			b.consoleError(c, "invalid terminal input")
			return
		}
		if err := b.sessions.RouteInput(c, in.SessionID, env); err != nil {
			b.consoleError(c, err.Error())
		}

	case protocol.TypeRemoteInput:
		in, err := protocol.Decode[protocol.RemoteInput](env)
		if err != nil {
			b.consoleError(c, "invalid remote input")
			return
		}
		if err := b.sessions.RouteInput(c, in.SessionID, env); err != nil {
			b.consoleError(c, err.Error())
		}

	case protocol.TypeEndSession:
		req, err := protocol.Decode[protocol.EndSession](env)
		if err != nil {
			b.consoleError(c, "invalid end session request")
			return
		}
		b.sessions.End(req.SessionID)

	case protocol.TypeFileTransfer:
		req, err := protocol.Decode[protocol.FileTransferRequest](env)
		if err != nil {
			b.consoleError(c, "invalid file transfer request")
			return
		}
		if _, err := b.sessions.StartTransfer(ctx, c, req); err != nil {
			b.consoleError(c, err.Error())
		}

	default:
		slog.Warn("Unknown console message type", "console_id", c.ID, "type", env.Type)
	}
}

// watch joins the console to the machine's room; the empty-to-non-empty
// transition sends the single start-stream instruction.
func (b *Broker) watch(c *Console, machineID string) {
	if first := b.watchers.Watch(machineID, c); first {
		env := protocol.MustEncode(protocol.TypeStartScreenStream, b.cfg.Stream)
		if err := b.registry.Send(machineID, env); err != nil {
			// Offline machine: the room stays open and the stream is
			// started when the agent reconnects.
			slog.Debug("Start stream deferred", "machine_id", machineID, "error", err)
		}
	}
}

func (b *Broker) unwatch(c *Console, machineID string) {
	if last := b.watchers.Unwatch(machineID, c); last {
		if err := b.registry.Send(machineID, protocol.Envelope{Type: protocol.TypeStopScreenStream}); err != nil {
			slog.Debug("Stop stream instruction not delivered", "machine_id", machineID, "error", err)
		}
	}
}

func (b *Broker) submitCommand(ctx context.Context, c *Console, machineID, kind string, payload []byte) {
	cmd, queued, err := b.commands.Submit(ctx, machineID, c.OperatorID, kind, payload)
	if err != nil {
		b.consoleError(c, "command could not be created")
		return
	}
	c.send(protocol.MustEncode(protocol.TypeCommandSent, protocol.CommandSent{
		CommandID: cmd.ID,
		Queued:    queued,
	}))
}

func (b *Broker) startSession(ctx context.Context, c *Console, machineID string, kind SessionKind, shell string) {
	s, err := b.sessions.Start(ctx, c, machineID, kind, shell)
	if errors.Is(err, ErrAgentOffline) {
		c.send(protocol.MustEncode(protocol.TypeSessionState, protocol.SessionState{
			MachineID: machineID,
			Kind:      string(kind),
			Status:    string(SessionFailed),
			Error:     "agent unreachable",
		}))
		return
	}
	if err != nil {
		b.consoleError(c, "session could not be created")
		return
	}
	c.send(sessionStateEnvelope(s, ""))
}

func (b *Broker) consoleError(c *Console, msg string) {
	c.send(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Message: msg}))
}

func (b *Broker) broadcast(env protocol.Envelope) {
	b.mu.Lock()
	consoles := make([]*Console, 0, len(b.consoles))
	for c := range b.consoles {
		consoles = append(consoles, c)
	}
	b.mu.Unlock()

	for _, c := range consoles {
		c.send(env)
	}
}

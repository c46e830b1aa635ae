package broker

import (
	"context"
	"encoding/json"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// auditedEvents are the lower-frequency telemetry kinds that get an
// audit record before fan-out. Screen frames and heartbeats are lossy
// high-frequency traffic and are never persisted on this path.
var auditedEvents = map[string]struct{}{
	protocol.TypeKeystrokes:   {},
	protocol.TypeClipboard:    {},
	protocol.TypeWebsiteVisit: {},
}

// EventRelay forwards agent telemetry to exactly the consoles watching
// that machine. The relay never blocks on persistence: audit-relevant
// events are written alongside delivery, asynchronously.
type EventRelay struct {
	watchers *WatcherRegistry
	gateway  PersistenceGateway
}

func NewEventRelay(watchers *WatcherRegistry, gateway PersistenceGateway) *EventRelay {
	return &EventRelay{watchers: watchers, gateway: gateway}
}

// Relay fans one inbound telemetry envelope out to the machine's
// watchers, tagging it with the source machine id.
func (er *EventRelay) Relay(machineID string, env protocol.Envelope) {
	if _, audited := auditedEvents[env.Type]; audited {
		kind, payload := env.Type, append(json.RawMessage(nil), env.Payload...)
		persistAsync("append_audit_record", func(ctx context.Context) error {
			return er.gateway.AppendAuditRecord(ctx, machineID, kind, payload)
		})
	}

	watchers := er.watchers.WatchersOf(machineID)
	if len(watchers) == 0 {
		return
	}

	out := protocol.MustEncode(env.Type, protocol.Relayed{MachineID: machineID, Payload: env.Payload})
	for _, c := range watchers {
		c.send(out)
	}
}

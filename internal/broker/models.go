package broker

import (
	"encoding/json"
	"time"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

type CommandStatus string

const (
	CommandPending  CommandStatus = "PENDING"
	CommandSent     CommandStatus = "SENT"
	CommandExecuted CommandStatus = "EXECUTED"
	CommandFailed   CommandStatus = "FAILED"
)

// Command is a one-shot instruction queued for and delivered to an
// agent. Status only moves forward: PENDING -> SENT -> EXECUTED|FAILED.
type Command struct {
	ID         string
	MachineID  string
	OperatorID string
	Kind       string
	Payload    json.RawMessage
	Status     CommandStatus
	CreatedAt  time.Time
	SentAt     *time.Time
	ExecutedAt *time.Time
	Response   string
}

type SessionKind string

const (
	SessionView    SessionKind = "VIEW"
	SessionControl SessionKind = "CONTROL"
	SessionShell   SessionKind = "SHELL"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "PENDING"
	SessionActive  SessionStatus = "ACTIVE"
	SessionEnded   SessionStatus = "ENDED"
	SessionFailed  SessionStatus = "FAILED"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionFailed
}

// Session is an interactive engagement between one console and one
// agent, routed by session id so concurrent sessions never cross-deliver.
type Session struct {
	ID         string
	MachineID  string
	OperatorID string
	Kind       SessionKind
	Status     SessionStatus
	StartedAt  time.Time
	EndedAt    *time.Time

	console *Console
}

type TransferDirection string

const (
	TransferUpload   TransferDirection = "UPLOAD"
	TransferDownload TransferDirection = "DOWNLOAD"
)

type TransferStatus string

const (
	TransferInProgress TransferStatus = "IN_PROGRESS"
	TransferCompleted  TransferStatus = "COMPLETED"
	TransferFailed     TransferStatus = "FAILED"
)

// FileTransfer tracks one upload or download against an agent,
// progressing from 0 to 100 via agent progress events.
type FileTransfer struct {
	ID        string
	MachineID string
	Direction TransferDirection
	Path      string
	Status    TransferStatus
	Progress  int
	CreatedAt time.Time

	console *Console
}

// Link is the outbound half of a peer connection. Send must not block
// the caller indefinitely; a dead peer returns an error. Close is
// idempotent.
type Link interface {
	Send(env protocol.Envelope) error
	Close()
}

// Console is an authenticated operator connection.
type Console struct {
	ID         string
	OperatorID string
	Link       Link
}

func (c *Console) send(env protocol.Envelope) {
	if err := c.Link.Send(env); err != nil {
		logSendFailure("console", c.ID, env.Type, err)
	}
}

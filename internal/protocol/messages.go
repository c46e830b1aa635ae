// Package protocol defines the wire format spoken between the broker
// and its two peer populations: agents (one per monitored machine) and
// consoles (operator dashboards). Every frame is a JSON envelope with a
// type tag and a type-specific payload; payloads are decoded exactly
// once at the connection boundary so the routing layers work with typed
// values.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the outer frame carried over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Agent -> broker message types.
const (
	TypeAgentAuth            = "auth"
	TypeHeartbeat            = "heartbeat"
	TypeScreenFrame          = "screen_frame"
	TypeKeystrokes           = "keystrokes"
	TypeClipboard            = "clipboard"
	TypeProcessList          = "process_list"
	TypeWebsiteVisit         = "website_visit"
	TypeCommandResponse      = "command_response"
	TypeSessionAck           = "session_ack"
	TypeTerminalOutput       = "terminal_output"
	TypeFileTransferProgress = "file_transfer_progress"
)

// Broker -> agent message types.
const (
	TypeAgentAuthSuccess  = "auth_success"
	TypeCommand           = "command"
	TypeStartScreenStream = "start_screen_stream"
	TypeStopScreenStream  = "stop_screen_stream"
	TypeRemoteInput       = "remote_input"
	TypeStartTerminal     = "start_terminal"
	TypeTerminalInput     = "terminal_input"
	TypeFileTransfer      = "file_transfer"
)

// Console -> broker message types. Auth, terminal and file transfer
// types are shared with the agent vocabulary above.
const (
	TypeWatchComputer      = "watch_computer"
	TypeUnwatchComputer    = "unwatch_computer"
	TypeSendCommand        = "send_command"
	TypeStartRemoteControl = "start_remote_control"
	TypeRequestScreenshot  = "request_screenshot"
	TypeEndSession         = "end_session"
)

// Broker -> console message types.
const (
	TypeAgentOnline  = "agent_online"
	TypeAgentOffline = "agent_offline"
	TypeCommandSent  = "command_sent"
	TypeSessionState = "session_state"
	TypeError        = "error"
)

// HostInfo describes the machine an agent runs on, reported at auth.
type HostInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Username string `json:"username,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Metrics is the telemetry snapshot carried in a heartbeat.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
	Uptime        int64   `json:"uptime,omitempty"`
}

// AgentAuth is the first frame an agent must send after connecting.
type AgentAuth struct {
	MachineIdentity string   `json:"machine_identity"`
	AgentKey        string   `json:"agent_key"`
	HostInfo        HostInfo `json:"host_info"`
}

// AgentAuthSuccess acknowledges agent authentication and delivers the
// broker-side agent configuration.
type AgentAuthSuccess struct {
	MachineID string       `json:"machine_id"`
	Config    StreamConfig `json:"config"`
}

// StreamConfig carries the screen streaming defaults an agent should use.
type StreamConfig struct {
	Quality int `json:"quality"`
	FPS     int `json:"fps"`
}

type Heartbeat struct {
	Metrics   Metrics `json:"metrics"`
	IdleState bool    `json:"idle_state"`
}

type ScreenFrame struct {
	ImageBytes []byte    `json:"image_bytes"`
	Timestamp  time.Time `json:"timestamp"`
}

type Keystrokes struct {
	Batch  []string  `json:"batch"`
	Window string    `json:"window,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

type Clipboard struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type ProcessInfo struct {
	PID    int     `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu,omitempty"`
	Memory float64 `json:"memory,omitempty"`
}

type ProcessList struct {
	Processes []ProcessInfo `json:"processes"`
}

type WebsiteVisit struct {
	URL      string `json:"url"`
	Duration int64  `json:"duration"`
}

// Command is a one-shot instruction dispatched to an agent.
type Command struct {
	CommandID string          `json:"command_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type CommandResponse struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionAck is the agent's acknowledgement of a session start
// instruction; it moves the session from pending to active, or fails it.
type SessionAck struct {
	SessionID string `json:"session_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type TerminalInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// StartTerminal serves both legs of shell session setup: the console
// addresses a machine, the broker then instructs the agent with the
// allocated session id.
type StartTerminal struct {
	SessionID string `json:"session_id,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
	Shell     string `json:"shell,omitempty"`
}

// RemoteInput carries an opaque mouse/keyboard event forwarded to the
// agent during a remote control session. The broker never interprets
// the event.
type RemoteInput struct {
	SessionID string          `json:"session_id,omitempty"`
	MachineID string          `json:"machine_id,omitempty"`
	Event     json.RawMessage `json:"event"`
}

type FileTransferRequest struct {
	TransferID string `json:"transfer_id,omitempty"`
	MachineID  string `json:"machine_id,omitempty"`
	Direction  string `json:"direction"`
	Path       string `json:"path"`
	Data       []byte `json:"data,omitempty"`
}

type FileTransferProgress struct {
	TransferID string `json:"transfer_id"`
	Progress   int    `json:"progress"`
	Error      string `json:"error,omitempty"`
}

// ConsoleAuth is the first frame a console must send after connecting.
type ConsoleAuth struct {
	Token string `json:"token"`
}

// ConsoleAuthSuccess lists the machines currently online.
type ConsoleAuthSuccess struct {
	OnlineMachines []MachineStatus `json:"online_machines"`
}

// MachineStatus is the console-facing view of a connected machine.
type MachineStatus struct {
	MachineID     string    `json:"machine_id"`
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Metrics       Metrics   `json:"metrics"`
}

type WatchComputer struct {
	MachineID string `json:"machine_id"`
}

type SendCommand struct {
	MachineID string          `json:"machine_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type StartRemoteControl struct {
	MachineID string `json:"machine_id"`
	Mode      string `json:"mode"` // "view" or "control"
}

type RequestScreenshot struct {
	MachineID string `json:"machine_id"`
}

type EndSession struct {
	SessionID string `json:"session_id"`
}

// AgentPresence announces an agent coming online or going offline.
type AgentPresence struct {
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname,omitempty"`
}

// CommandSent tells the requesting console whether its command was
// delivered immediately or queued for the next reconnect.
type CommandSent struct {
	CommandID string `json:"command_id"`
	Queued    bool   `json:"queued"`
}

// SessionState notifies session peers of lifecycle transitions.
type SessionState struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload reports a rejected console request without terminating
// the connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Relayed wraps agent telemetry with its source machine before fan-out
// to watching consoles.
type Relayed struct {
	MachineID string          `json:"machine_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode marshals a payload into an envelope of the given type.
func Encode(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(msgType string, payload any) Envelope {
	env, err := Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into dst.
func Decode[T any](env Envelope) (T, error) {
	var dst T
	if len(env.Payload) == 0 {
		return dst, fmt.Errorf("message %q has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &dst); err != nil {
		return dst, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return dst, nil
}

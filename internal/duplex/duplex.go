// Package duplex maintains one resilient WebSocket connection to the TTS
// backend and multiplexes concurrent request/response exchanges over it.
package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Message is the JSON envelope exchanged on the stream. The backend does not
// always echo a correlation id, so ID may be empty and responses are then
// matched by kind.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Known message kinds.
const (
	KindSaveVoice       = "save_voice"
	KindGeneratePreview = "generate_preview"
	KindPing            = "ping"
	KindVoiceSaved      = "voice_saved"
	KindTTSComplete     = "tts_complete"
	KindError           = "error"
)

// State of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// TimeoutError means no response arrived within the call deadline.
type TimeoutError struct {
	Kind string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("no response within %s", e.Wait)
	}
	return fmt.Sprintf("no %s response within %s", e.Kind, e.Wait)
}

// ConnectionLostError means the socket closed while the call was pending, or
// the manager was torn down.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	if e.Reason == "" {
		return "connection lost"
	}
	return "connection lost: " + e.Reason
}

// BackendError is an explicit error envelope from the backend. Message is
// always human-readable; a synthetic default is substituted when the envelope
// lacks one.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string { return "backend error: " + e.Message }

func backendError(msg *Message) *BackendError {
	var data struct {
		Message string `json:"message"`
	}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &data)
	}
	if data.Message == "" {
		data.Message = "backend reported an unspecified error"
	}
	return &BackendError{Message: data.Message}
}

// Conn is the subset of a websocket connection the manager needs. Tests
// inject a fake duplex channel through it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes one physical connection attempt.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// EventType classifies events delivered to passive observers.
type EventType string

const (
	EventOpen               EventType = "open"
	EventClosed             EventType = "closed"
	EventInbound            EventType = "inbound"
	EventOutbound           EventType = "outbound"
	EventConnectFailed      EventType = "connect_failed"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventWatchdogFired      EventType = "watchdog_fired"
)

// Event is delivered to every registered observer, independent of which
// caller issued the related call. Observation is diagnostic only; the call
// path never depends on it.
type Event struct {
	Type    EventType
	Message *Message      // inbound/outbound events
	Code    int           // closed events
	Reason  string        // closed, connect_failed and watchdog_fired events
	Clean   bool
	Delay   time.Duration // reconnect_scheduled events
	Idle    time.Duration // watchdog_fired events
}

// Observer receives every message and connection-state transition. Panics in
// observers are swallowed.
type Observer func(Event)

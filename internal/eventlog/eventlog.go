package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSocketOpened       EventType = "socket_opened"
	EventSocketClosed       EventType = "socket_closed"
	EventConnectFailed      EventType = "connect_failed"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventWatchdogFired      EventType = "watchdog_fired"
	EventCallTimeout        EventType = "call_timeout"
	EventBackendError       EventType = "backend_error"
	EventVoiceSaved         EventType = "voice_saved"
	EventListingRefreshed   EventType = "listing_refreshed"
	EventListingStale       EventType = "listing_stale"
	EventPreviewCompleted   EventType = "preview_completed"
	EventUploadCompleted    EventType = "upload_completed"
	EventAddressChanged     EventType = "address_changed"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool disables logging entirely.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, eventType EventType, data map[string]any) error {
	if l.db == nil {
		return nil // Silently skip if no DB
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (event_type, event_data)
		VALUES ($1, $2)
	`, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(eventType EventType, data map[string]any) {
	if l.db == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, eventType, data)
	}()
}

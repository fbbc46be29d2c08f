// Package dashboard orchestrates the REST client and the duplex session
// manager to back the dashboard UI actions: refresh, upload, generate and
// save.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vhofman/voicedash/internal/duplex"
	"github.com/vhofman/voicedash/internal/endpoint"
	"github.com/vhofman/voicedash/internal/eventlog"
	"github.com/vhofman/voicedash/internal/statestore"
	"github.com/vhofman/voicedash/internal/ttsapi"
)

// ValidationError means required user input is missing. It is raised before
// any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }

// Update kinds pushed to subscribers (the browser hub).
const (
	UpdateConnection = "connection"
	UpdateStatus     = "status"
	UpdateVoices     = "voices"
	UpdateWarning    = "warning"
)

// Update is a state change pushed to passive subscribers.
type Update struct {
	Kind       string         `json:"kind"`
	Connection duplex.State   `json:"connection,omitempty"`
	Online     bool           `json:"online,omitempty"`
	Voices     []ttsapi.Voice `json:"voices,omitempty"`
	Warning    string         `json:"warning,omitempty"`
}

// Status is the dashboard's summary view of the backend.
type Status struct {
	Online     bool         `json:"online"`
	Connection duplex.State `json:"connection"`
	Address    string       `json:"address"`
	Proxied    bool         `json:"proxied"`
	SessionID  string       `json:"session_id,omitempty"`
}

// Config holds configuration for the controller.
type Config struct {
	// Origin is the dashboard's own public base URL; the transport resolver
	// derives proxied addresses from it.
	Origin string

	// HTTPClient must not carry a global timeout (preview calls are
	// unbounded).
	HTTPClient *http.Client

	Logger *log.Logger
	Events *eventlog.Logger
	Store  *statestore.Store

	// Dial overrides the duplex transport in tests.
	Dial duplex.Dialer
}

// Controller owns exactly one duplex session manager at a time, constructed
// from a resolved endpoint and rebuilt only on explicit address change.
type Controller struct {
	origin     string
	httpClient *http.Client
	logger     *log.Logger
	events     *eventlog.Logger
	store      *statestore.Store
	dial       duplex.Dialer

	mu        sync.Mutex
	api       *ttsapi.Client
	session   *duplex.Manager
	sessionID string
	online    bool
	voices    []ttsapi.Voice

	obsMu     sync.Mutex
	observers []func(Update)
}

// New creates a controller from the persisted address and session id.
func New(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	events := cfg.Events
	if events == nil {
		events = eventlog.New(nil)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	c := &Controller{
		origin:     cfg.Origin,
		httpClient: hc,
		logger:     logger,
		events:     events,
		store:      cfg.Store,
		dial:       cfg.Dial,
		sessionID:  cfg.Store.Get(statestore.KeySessionID),
	}

	if err := c.rebuild(c.store.Get(statestore.KeyBackendAddress)); err != nil {
		return nil, err
	}
	return c, nil
}

// Subscribe registers a passive listener for controller updates. Listener
// failures never affect the primary flows.
func (c *Controller) Subscribe(fn func(Update)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// rebuild resolves the address and replaces the REST client and session
// manager as one unit. The previous manager, if any, is torn down; it is
// never reused.
func (c *Controller) rebuild(raw string) error {
	ep, err := endpoint.Resolve(raw, c.origin)
	if err != nil {
		return fmt.Errorf("resolve backend address: %w", err)
	}
	wsURL, err := ep.SocketURL("/ws")
	if err != nil {
		return err
	}

	api := ttsapi.New(ttsapi.Config{Endpoint: ep, HTTPClient: c.httpClient, Logger: c.logger})
	session := duplex.NewManager(duplex.Config{
		URL:    wsURL,
		Dial:   c.dial,
		Logger: c.logger,
	})
	session.Observe(c.onSessionEvent)

	c.mu.Lock()
	old := c.session
	c.api = api
	c.session = session
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (c *Controller) onSessionEvent(ev duplex.Event) {
	switch ev.Type {
	case duplex.EventOpen:
		c.events.LogAsync(eventlog.EventSocketOpened, nil)
		c.notify(Update{Kind: UpdateConnection, Connection: duplex.StateOpen})
	case duplex.EventClosed:
		c.events.LogAsync(eventlog.EventSocketClosed, map[string]any{
			"code":   ev.Code,
			"reason": ev.Reason,
			"clean":  ev.Clean,
		})
		c.notify(Update{Kind: UpdateConnection, Connection: duplex.StateDisconnected})
	case duplex.EventConnectFailed:
		c.events.LogAsync(eventlog.EventConnectFailed, map[string]any{"reason": ev.Reason})
	case duplex.EventReconnectScheduled:
		c.events.LogAsync(eventlog.EventReconnectScheduled, map[string]any{"delay": ev.Delay.String()})
	case duplex.EventWatchdogFired:
		c.events.LogAsync(eventlog.EventWatchdogFired, map[string]any{"idle": ev.Idle.String()})
	}
}

// Refresh probes backend health and, when online, re-fetches the voice
// listing.
func (c *Controller) Refresh(ctx context.Context) Status {
	api, session := c.clients()

	err := api.Health(ctx)
	online := err == nil
	if err != nil {
		c.logger.Printf("dashboard: health probe failed: %v", err)
	}

	var voices []ttsapi.Voice
	if online {
		voices, err = api.ListVoices(ctx)
		if err != nil {
			c.logger.Printf("dashboard: voice listing failed: %v", err)
		}
	}

	c.mu.Lock()
	c.online = online
	if online && err == nil {
		c.voices = voices
	}
	st := Status{
		Online:     online,
		Connection: session.State(),
		Address:    api.Endpoint().Address(),
		Proxied:    api.Endpoint().Proxied(),
		SessionID:  c.sessionID,
	}
	snapshot := append([]ttsapi.Voice(nil), c.voices...)
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateStatus, Online: online, Connection: st.Connection})
	if online {
		c.notify(Update{Kind: UpdateVoices, Voices: snapshot})
	}

	// Bring the duplex session up once the backend is reachable, so saves
	// and previews don't pay the handshake.
	if online && session.State() == duplex.StateDisconnected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := session.Connect(ctx); err != nil {
				c.logger.Printf("dashboard: session connect failed: %v", err)
			}
		}()
	}
	return st
}

// Voices returns the currently held listing.
func (c *Controller) Voices() []ttsapi.Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ttsapi.Voice(nil), c.voices...)
}

// Status reports the held state without touching the network.
func (c *Controller) Status() Status {
	api, session := c.clients()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Online:     c.online,
		Connection: session.State(),
		Address:    api.Endpoint().Address(),
		Proxied:    api.Endpoint().Proxied(),
		SessionID:  c.sessionID,
	}
}

type saveVoicePayload struct {
	SessionID   string `json:"session_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type voiceSavedPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SaveVoice sends a save request over the duplex session and applies the
// two-phase listing update: the saved voice appears locally at once, and the
// authoritative listing is re-fetched in the background. If that re-fetch
// fails, the optimistic listing stays with a non-fatal warning - the save
// itself already succeeded.
func (c *Controller) SaveVoice(ctx context.Context, name, description string) (ttsapi.Voice, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ttsapi.Voice{}, &ValidationError{Field: "name", Reason: "voice name is required"}
	}

	_, session := c.clients()
	data, err := json.Marshal(saveVoicePayload{
		SessionID:   c.currentSessionID(),
		Name:        name,
		Description: description,
	})
	if err != nil {
		return ttsapi.Voice{}, fmt.Errorf("encode save request: %w", err)
	}

	resp, err := session.Call(ctx, duplex.Message{Type: duplex.KindSaveVoice, Data: data}, duplex.CallOptions{
		ExpectKind: duplex.KindVoiceSaved,
	})
	if err != nil {
		c.logCallFailure(err)
		return ttsapi.Voice{}, err
	}

	var saved voiceSavedPayload
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &saved)
	}
	if saved.ID == "" {
		saved.ID = name
	}
	if saved.Name == "" {
		saved.Name = name
	}
	if saved.Description == "" {
		saved.Description = description
	}
	voice := ttsapi.Voice{ID: saved.ID, Name: saved.Name, Description: saved.Description}

	c.mu.Lock()
	if !hasVoice(c.voices, voice.ID) {
		c.voices = append(c.voices, voice)
	}
	snapshot := append([]ttsapi.Voice(nil), c.voices...)
	c.mu.Unlock()

	c.events.LogAsync(eventlog.EventVoiceSaved, map[string]any{"id": voice.ID})
	c.notify(Update{Kind: UpdateVoices, Voices: snapshot})

	go c.refreshAfterSave()

	return voice, nil
}

// refreshAfterSave replaces the optimistic listing with the authoritative
// one. The listing endpoint can be slow or briefly unavailable right after a
// mutating call, so failure here is a warning, not an error.
func (c *Controller) refreshAfterSave() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api, _ := c.clients()
	voices, err := api.ListVoices(ctx)
	if err != nil {
		c.logger.Printf("dashboard: listing refresh after save failed, keeping optimistic entry: %v", err)
		c.events.LogAsync(eventlog.EventListingStale, map[string]any{"error": err.Error()})
		c.notify(Update{Kind: UpdateWarning, Warning: "saved, but the voice list may be out of date"})
		return
	}

	c.mu.Lock()
	c.voices = voices
	snapshot := append([]ttsapi.Voice(nil), c.voices...)
	c.mu.Unlock()

	c.events.LogAsync(eventlog.EventListingRefreshed, map[string]any{"count": len(voices)})
	c.notify(Update{Kind: UpdateVoices, Voices: snapshot})
}

type generatePayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// GeneratePreview synthesizes text using the cached session reference: a
// generate request over the duplex session, then a download of the audio the
// backend points at.
func (c *Controller) GeneratePreview(ctx context.Context, text string) (ttsapi.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ttsapi.Audio{}, &ValidationError{Field: "text", Reason: "preview text is required"}
	}
	sessionID := c.currentSessionID()
	if sessionID == "" {
		return ttsapi.Audio{}, &ValidationError{Field: "session", Reason: "no reference audio uploaded yet"}
	}

	api, session := c.clients()
	data, err := json.Marshal(generatePayload{SessionID: sessionID, Text: text})
	if err != nil {
		return ttsapi.Audio{}, fmt.Errorf("encode generate request: %w", err)
	}

	resp, err := session.Call(ctx, duplex.Message{Type: duplex.KindGeneratePreview, Data: data}, duplex.CallOptions{
		ExpectKind: duplex.KindTTSComplete,
	})
	if err != nil {
		c.logCallFailure(err)
		return ttsapi.Audio{}, err
	}

	var complete struct {
		AudioURL string `json:"audio_url"`
	}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &complete)
	}
	if complete.AudioURL == "" {
		return ttsapi.Audio{}, fmt.Errorf("tts_complete response missing audio_url")
	}

	audio, err := api.DownloadAudio(ctx, complete.AudioURL)
	if err != nil {
		return ttsapi.Audio{}, err
	}
	c.events.LogAsync(eventlog.EventPreviewCompleted, map[string]any{"bytes": len(audio.Bytes)})
	return audio, nil
}

// PreviewDirect runs the stateless HTTP preview flow: reference audio and
// transcription travel with the request, no session required.
func (c *Controller) PreviewDirect(ctx context.Context, ref ttsapi.Audio, transcription, text string) (ttsapi.Audio, error) {
	if len(ref.Bytes) == 0 {
		return ttsapi.Audio{}, &ValidationError{Field: "audio", Reason: "reference audio is required"}
	}
	if strings.TrimSpace(transcription) == "" {
		return ttsapi.Audio{}, &ValidationError{Field: "transcription", Reason: "reference transcription is required"}
	}
	if strings.TrimSpace(text) == "" {
		return ttsapi.Audio{}, &ValidationError{Field: "text", Reason: "preview text is required"}
	}

	api, _ := c.clients()
	audio, err := api.Preview(ctx, ref, transcription, text)
	if err != nil {
		return ttsapi.Audio{}, err
	}
	c.events.LogAsync(eventlog.EventPreviewCompleted, map[string]any{"bytes": len(audio.Bytes)})
	return audio, nil
}

// UploadReference uploads a reference sample and caches the session id the
// backend assigns (legacy session-based flow).
func (c *Controller) UploadReference(ctx context.Context, filename string, r io.Reader) (string, error) {
	if filename == "" || r == nil {
		return "", &ValidationError{Field: "file", Reason: "reference audio file is required"}
	}

	api, _ := c.clients()
	id, err := api.Upload(ctx, filename, r)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	if err := c.store.Set(statestore.KeySessionID, id); err != nil {
		c.logger.Printf("dashboard: persisting session id failed: %v", err)
	}
	c.events.LogAsync(eventlog.EventUploadCompleted, map[string]any{"session_id": id})
	return id, nil
}

// SetAddress persists a new backend address and rebuilds the REST client and
// session manager against it. An empty address switches to proxied mode.
func (c *Controller) SetAddress(raw string) error {
	norm := endpoint.Normalize(raw)
	if err := c.rebuild(norm); err != nil {
		return err
	}
	if err := c.store.Set(statestore.KeyBackendAddress, norm); err != nil {
		c.logger.Printf("dashboard: persisting address failed: %v", err)
	}
	c.events.LogAsync(eventlog.EventAddressChanged, map[string]any{"proxied": norm == ""})
	return nil
}

// Address returns the configured backend address ("" in proxied mode).
func (c *Controller) Address() string {
	api, _ := c.clients()
	return api.Endpoint().Address()
}

// Connect eagerly opens the duplex session, sharing any in-flight attempt.
func (c *Controller) Connect(ctx context.Context) error {
	_, session := c.clients()
	return session.Connect(ctx)
}

// Close tears down the session manager and the local cache.
func (c *Controller) Close() error {
	_, session := c.clients()
	return session.Close()
}

func (c *Controller) clients() (*ttsapi.Client, *duplex.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api, c.session
}

func (c *Controller) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) logCallFailure(err error) {
	switch err.(type) {
	case *duplex.TimeoutError:
		c.events.LogAsync(eventlog.EventCallTimeout, map[string]any{"error": err.Error()})
	case *duplex.BackendError:
		c.events.LogAsync(eventlog.EventBackendError, map[string]any{"error": err.Error()})
	}
}

func (c *Controller) notify(u Update) {
	c.obsMu.Lock()
	observers := make([]func(Update), len(c.observers))
	copy(observers, c.observers)
	c.obsMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Printf("dashboard: subscriber panic: %v", r)
				}
			}()
			fn(u)
		}()
	}
}

func hasVoice(voices []ttsapi.Voice, id string) bool {
	for _, v := range voices {
		if v.ID == id {
			return true
		}
	}
	return false
}

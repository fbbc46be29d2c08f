package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vhofman/voicedash/internal/duplex"
	"github.com/vhofman/voicedash/internal/statestore"
	"github.com/vhofman/voicedash/internal/ttsapi"
)

// scriptedConn answers duplex calls from a handler function, echoing the
// request id so correlation works like the real backend.
type scriptedConn struct {
	handler func(req duplex.Message) *duplex.Message

	mu      sync.Mutex
	queue   []duplex.Message
	closed  chan struct{}
	pending chan struct{}
	once    sync.Once
}

func newScriptedConn(handler func(req duplex.Message) *duplex.Message) *scriptedConn {
	return &scriptedConn{
		handler: handler,
		closed:  make(chan struct{}),
		pending: make(chan struct{}, 64),
	}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	for {
		select {
		case <-c.closed:
			return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
		case <-c.pending:
		}
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			continue
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		data, err := json.Marshal(msg)
		if err != nil {
			return 0, nil, err
		}
		return websocket.TextMessage, data, nil
	}
}

func (c *scriptedConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	var req duplex.Message
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if req.Type == duplex.KindPing {
		return nil
	}
	if resp := c.handler(req); resp != nil {
		c.mu.Lock()
		c.queue = append(c.queue, *resp)
		c.mu.Unlock()
		c.pending <- struct{}{}
	}
	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func scriptedDialer(handler func(req duplex.Message) *duplex.Message) duplex.Dialer {
	return func(ctx context.Context, url string) (duplex.Conn, error) {
		return newScriptedConn(handler), nil
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func openStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestController(t *testing.T, backend *httptest.Server, handler func(req duplex.Message) *duplex.Message) *Controller {
	t.Helper()
	store := openStore(t)
	if err := store.Set(statestore.KeyBackendAddress, backend.URL); err != nil {
		t.Fatalf("seed address: %v", err)
	}
	c, err := New(Config{
		Origin:     "http://dashboard.local",
		HTTPClient: backend.Client(),
		Store:      store,
		Dial:       scriptedDialer(handler),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func collectUpdates(c *Controller) func(kind string) []Update {
	var mu sync.Mutex
	var updates []Update
	c.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})
	return func(kind string) []Update {
		mu.Lock()
		defer mu.Unlock()
		var out []Update
		for _, u := range updates {
			if u.Kind == kind {
				out = append(out, u)
			}
		}
		return out
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestRefreshOnlineFetchesVoices(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/voices":
			w.Write([]byte(`{"voices":[{"id":"ava","name":"Ava"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message { return nil })

	st := c.Refresh(context.Background())
	if !st.Online {
		t.Fatal("expected online status")
	}
	if st.Proxied {
		t.Fatal("direct address reported as proxied")
	}
	voices := c.Voices()
	if len(voices) != 1 || voices[0].ID != "ava" {
		t.Fatalf("unexpected voices: %+v", voices)
	}
}

func TestRefreshOfflineKeepsListing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message { return nil })

	st := c.Refresh(context.Background())
	if st.Online {
		t.Fatal("expected offline status")
	}
}

func TestSaveVoiceOptimisticThenAuthoritative(t *testing.T) {
	var mu sync.Mutex
	listings := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voices" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		listings++
		mu.Unlock()
		w.Write([]byte(`{"voices":[{"id":"v1","name":"Voice One"},{"id":"v2","name":"Voice Two"}]}`))
	}))
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message {
		if req.Type != duplex.KindSaveVoice {
			return nil
		}
		return &duplex.Message{
			Type: duplex.KindVoiceSaved,
			Data: json.RawMessage(`{"id":"v2","name":"Voice Two"}`),
		}
	})
	updates := collectUpdates(c)

	voice, err := c.SaveVoice(context.Background(), "Voice Two", "a test voice")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if voice.ID != "v2" {
		t.Fatalf("unexpected saved voice: %+v", voice)
	}

	// Saved voice is visible immediately, before the authoritative fetch.
	if !hasVoice(c.Voices(), "v2") {
		t.Fatal("saved voice missing from local listing")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return listings >= 1
	}, "authoritative listing fetch")
	waitFor(t, func() bool { return len(c.Voices()) == 2 }, "listing replaced")
	if len(updates(UpdateVoices)) < 2 {
		t.Fatal("expected optimistic and authoritative voices updates")
	}
}

// The backend envelope is {type, data} with no correlation id; requests must
// not carry one and responses must resolve by kind alone.
func TestSaveVoiceCorrelatesByKindWithoutIDs(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"voices":[]}`))
	}))
	defer backend.Close()

	var mu sync.Mutex
	var sentIDs []string
	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message {
		if req.Type != duplex.KindSaveVoice {
			return nil
		}
		mu.Lock()
		sentIDs = append(sentIDs, req.ID)
		mu.Unlock()
		return &duplex.Message{
			Type: duplex.KindVoiceSaved,
			Data: json.RawMessage(`{"id":"v1","name":"Anna"}`),
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	voice, err := c.SaveVoice(ctx, "Anna", "")
	if err != nil {
		t.Fatalf("save against an id-less backend: %v", err)
	}
	if voice.ID != "v1" {
		t.Fatalf("unexpected saved voice: %+v", voice)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range sentIDs {
		if id != "" {
			t.Fatalf("save request carried a correlation id %q", id)
		}
	}
}

func TestSaveVoiceKeepsOptimisticOnListingFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "listing exploded", http.StatusInternalServerError)
	}))
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message {
		return &duplex.Message{
			Type: duplex.KindVoiceSaved,
			Data: json.RawMessage(`{"id":"v9","name":"Niner"}`),
		}
	})
	updates := collectUpdates(c)

	if _, err := c.SaveVoice(context.Background(), "Niner", ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	waitFor(t, func() bool { return len(updates(UpdateWarning)) > 0 }, "stale-listing warning")
	if !hasVoice(c.Voices(), "v9") {
		t.Fatal("optimistic voice discarded after failed re-fetch")
	}
}

func TestSaveVoiceValidation(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message { return nil })

	_, err := c.SaveVoice(context.Background(), "   ", "desc")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("expected name validation error, got %v", err)
	}
}

func TestSaveVoiceBackendError(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message {
		return &duplex.Message{
			Type: duplex.KindError,
			Data: json.RawMessage(`{"message":"clone failed"}`),
		}
	})

	_, err := c.SaveVoice(context.Background(), "Broken", "")
	var berr *duplex.BackendError
	if !errors.As(err, &berr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !strings.Contains(berr.Error(), "clone failed") {
		t.Fatalf("backend message lost: %v", berr)
	}
}

func TestGeneratePreviewDownloadsAudio(t *testing.T) {
	wav := []byte("RIFFxxxxWAVE")
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			w.Write([]byte(`{"session_id":"sess-1"}`))
		case "/audio/out.wav":
			w.Header().Set("Content-Type", "audio/wav")
			w.Write(wav)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message {
		if req.Type != duplex.KindGeneratePreview {
			return nil
		}
		var payload struct {
			SessionID string `json:"session_id"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil || payload.SessionID != "sess-1" {
			return &duplex.Message{Type: duplex.KindError, Data: json.RawMessage(`{"message":"bad session"}`)}
		}
		return &duplex.Message{
			Type: duplex.KindTTSComplete,
			Data: json.RawMessage(`{"audio_url":"/audio/out.wav"}`),
		}
	})

	if _, err := c.UploadReference(context.Background(), "ref.wav", strings.NewReader("sample")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	audio, err := c.GeneratePreview(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(audio.Bytes) != string(wav) {
		t.Fatal("downloaded audio does not match backend payload")
	}
	if audio.ContentType != "audio/wav" {
		t.Fatalf("unexpected content type %q", audio.ContentType)
	}
}

func TestGeneratePreviewRequiresSession(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message { return nil })

	_, err := c.GeneratePreview(context.Background(), "hello")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "session" {
		t.Fatalf("expected session validation error, got %v", err)
	}
}

func TestPreviewDirectValidation(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message { return nil })

	cases := []struct {
		name          string
		ref           ttsapi.Audio
		transcription string
		text          string
		field         string
	}{
		{"missing audio", ttsapi.Audio{}, "hi", "say hi", "audio"},
		{"missing transcription", ttsapi.Audio{Bytes: []byte("x")}, " ", "say hi", "transcription"},
		{"missing text", ttsapi.Audio{Bytes: []byte("x")}, "hi", "", "text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.PreviewDirect(context.Background(), tc.ref, tc.transcription, tc.text)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected %s validation error, got %v", tc.field, err)
			}
		})
	}
}

func TestUploadReferencePersistsSession(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"session_id":"sess-42"}`))
	}))
	defer backend.Close()

	store := openStore(t)
	if err := store.Set(statestore.KeyBackendAddress, backend.URL); err != nil {
		t.Fatalf("seed address: %v", err)
	}
	c, err := New(Config{
		Origin:     "http://dashboard.local",
		HTTPClient: backend.Client(),
		Store:      store,
		Dial:       scriptedDialer(func(req duplex.Message) *duplex.Message { return nil }),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()

	id, err := c.UploadReference(context.Background(), "ref.wav", strings.NewReader("sample"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != "sess-42" {
		t.Fatalf("unexpected session id %q", id)
	}
	if got := store.Get(statestore.KeySessionID); got != "sess-42" {
		t.Fatalf("session id not persisted, got %q", got)
	}
}

func TestSetAddressRebuildsEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message { return nil })

	if err := c.SetAddress("  other.example.com:9000/ "); err != nil {
		t.Fatalf("set address: %v", err)
	}
	if got := c.Address(); got != "http://other.example.com:9000" {
		t.Fatalf("address not normalized, got %q", got)
	}

	// Clearing the address switches to proxied mode.
	if err := c.SetAddress(""); err != nil {
		t.Fatalf("clear address: %v", err)
	}
	if got := c.Address(); got != "" {
		t.Fatalf("expected proxied mode, got address %q", got)
	}
	if !c.Status().Proxied {
		t.Fatal("status does not report proxied mode")
	}
}

func TestSubscriberPanicDoesNotBreakSave(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"voices":[]}`))
	}))
	defer backend.Close()

	c := newTestController(t, backend, func(req duplex.Message) *duplex.Message {
		return &duplex.Message{Type: duplex.KindVoiceSaved, Data: json.RawMessage(`{"id":"p1","name":"P"}`)}
	})
	c.Subscribe(func(Update) { panic("subscriber bug") })

	if _, err := c.SaveVoice(context.Background(), "P", ""); err != nil {
		t.Fatalf("save failed because of subscriber: %v", err)
	}
}

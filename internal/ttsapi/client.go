package ttsapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/vhofman/voicedash/internal/endpoint"
)

// Timeouts per call class. Health and listing calls should fail fast; preview
// synthesis can legitimately take a long time, so it gets no client-side
// deadline at all.
const (
	jsonCallTimeout = 12 * time.Second
	downloadTimeout = 30 * time.Second
)

// Client issues bounded-timeout unary calls against the backend, resolving
// every path through the endpoint so direct and proxied deployments behave the
// same.
type Client struct {
	ep         *endpoint.Endpoint
	httpClient *http.Client
	logger     *log.Logger
}

// Config holds configuration for the REST client.
type Config struct {
	Endpoint *endpoint.Endpoint
	// HTTPClient must not carry a global timeout; deadlines are applied
	// per call because preview synthesis is unbounded.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// New creates a new REST client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{ep: cfg.Endpoint, httpClient: hc, logger: logger}
}

// Endpoint returns the resolved endpoint this client addresses.
func (c *Client) Endpoint() *endpoint.Endpoint { return c.ep }

// Health probes GET health. It returns nil only when the backend reports
// {"status":"ok"}; any other shape means the backend is offline.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, jsonCallTimeout)
	defer cancel()

	body, _, err := c.get(ctx, "health")
	if err != nil {
		return err
	}

	var status struct {
		Status string `json:"status"`
	}
	decodeLenient(body, &status)
	if status.Status != "ok" {
		return fmt.Errorf("backend not ready: health status %q", status.Status)
	}
	return nil
}

// ListVoices fetches GET voices. The backend has shipped both a bare array
// and a {"voices":[...]} wrapper; both shapes are accepted.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	ctx, cancel := context.WithTimeout(ctx, jsonCallTimeout)
	defer cancel()

	body, _, err := c.get(ctx, "voices")
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Voices != nil {
		return normalizeVoices(wrapped.Voices), nil
	}

	var bare []Voice
	if err := json.Unmarshal(body, &bare); err == nil {
		return normalizeVoices(bare), nil
	}

	// Malformed listing body: treat as empty, never as a decode failure.
	c.logger.Printf("ttsapi: unparseable voices response (%d bytes), treating as empty", len(body))
	return nil, nil
}

// Upload posts a reference audio file as multipart field "file" and returns
// the session id assigned by the backend (legacy session-based flow). The
// upload carries no client-side timeout.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("read upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish upload form: %w", err)
	}

	body, _, err := c.post(ctx, "upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}

	var resp struct {
		SessionID string `json:"session_id"`
	}
	decodeLenient(body, &resp)
	if resp.SessionID == "" {
		return "", fmt.Errorf("upload response missing session_id")
	}
	return resp.SessionID, nil
}

// Preview posts multipart fields audio, transcription and response_text and
// returns the synthesized audio. Current backends answer with raw audio
// bytes; older ones answer with JSON carrying an audio_url or a base64
// payload, and both variants are handled here. No client-side timeout:
// synthesis time is unbounded and no progress signal exists.
func (c *Client) Preview(ctx context.Context, ref Audio, transcription, responseText string) (Audio, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="reference.wav"`)
	ct := ref.ContentType
	if ct == "" {
		ct = "audio/wav"
	}
	h.Set("Content-Type", ct)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return Audio{}, fmt.Errorf("build preview form: %w", err)
	}
	if _, err := fw.Write(ref.Bytes); err != nil {
		return Audio{}, fmt.Errorf("write reference audio: %w", err)
	}
	if err := mw.WriteField("transcription", transcription); err != nil {
		return Audio{}, fmt.Errorf("write transcription field: %w", err)
	}
	if err := mw.WriteField("response_text", responseText); err != nil {
		return Audio{}, fmt.Errorf("write response_text field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Audio{}, fmt.Errorf("finish preview form: %w", err)
	}

	body, contentType, err := c.post(ctx, "preview", mw.FormDataContentType(), &buf)
	if err != nil {
		return Audio{}, err
	}

	if strings.HasPrefix(contentType, "application/json") {
		return c.previewFromJSON(ctx, body)
	}
	if contentType == "" {
		contentType = "audio/wav"
	}
	return Audio{Bytes: body, ContentType: contentType}, nil
}

// previewFromJSON handles the older preview response variant.
func (c *Client) previewFromJSON(ctx context.Context, body []byte) (Audio, error) {
	var resp struct {
		AudioURL    string `json:"audio_url"`
		AudioBase64 string `json:"audio_base64"`
	}
	decodeLenient(body, &resp)

	if resp.AudioURL != "" {
		return c.DownloadAudio(ctx, resp.AudioURL)
	}
	if resp.AudioBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			return Audio{}, fmt.Errorf("decode base64 audio: %w", err)
		}
		return Audio{Bytes: raw, ContentType: "audio/wav"}, nil
	}
	return Audio{}, fmt.Errorf("preview response carries neither audio_url nor audio_base64")
}

// DownloadAudio fetches an audio payload. Relative URLs are resolved against
// the endpoint base.
func (c *Client) DownloadAudio(ctx context.Context, audioURL string) (Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.ResolveRef(audioURL), nil)
	if err != nil {
		return Audio{}, fmt.Errorf("create download request: %w", err)
	}
	body, contentType, err := c.do(req)
	if err != nil {
		return Audio{}, err
	}
	if contentType == "" {
		contentType = "audio/wav"
	}
	return Audio{Bytes: body, ContentType: contentType}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.RESTURL(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ep.RESTURL(path), body)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &RequestError{Status: resp.StatusCode, Body: excerpt(body)}
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// decodeLenient parses a JSON body into v. Malformed or absent bodies leave v
// zeroed; callers treat missing fields as their own error path.
func decodeLenient(body []byte, v any) {
	if len(bytes.TrimSpace(body)) == 0 {
		return
	}
	_ = json.Unmarshal(body, v)
}

func normalizeVoices(vs []Voice) []Voice {
	out := vs[:0]
	for _, v := range vs {
		if v.ID == "" {
			v.ID = v.Name
		}
		if v.Name == "" {
			v.Name = v.ID
		}
		if v.ID == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

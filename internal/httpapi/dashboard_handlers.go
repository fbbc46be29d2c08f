package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/vhofman/voicedash/internal/ttsapi"
)

// Uploaded reference samples are short clips; this bounds multipart memory.
const maxUploadBytes = 32 << 20

// handleStatus reports the held state without probing the backend.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Status())
}

// handleRefresh probes backend health and re-fetches the voice listing.
func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Refresh(req.Context()))
}

func (r *Router) handleListVoices(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voices": r.controller.Voices()})
}

func (r *Router) handleSaveVoice(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	voice, err := r.controller.SaveVoice(req.Context(), body.Name, body.Description)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, voice)
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, `{"error": "invalid multipart body"}`, http.StatusBadRequest)
		return
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		http.Error(w, `{"error": "reference audio file is required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	sessionID, err := r.controller.UploadReference(req.Context(), header.Filename, file)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// handleGenerate synthesizes preview audio from the cached session reference.
func (r *Router) handleGenerate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	audio, err := r.controller.GeneratePreview(req.Context(), body.Text)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeAudio(w, audio)
}

// handlePreview runs the stateless preview flow: the reference clip and its
// transcription travel with the request.
func (r *Router) handlePreview(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, `{"error": "invalid multipart body"}`, http.StatusBadRequest)
		return
	}

	var ref ttsapi.Audio
	if file, _, err := req.FormFile("audio"); err == nil {
		defer file.Close()
		ref.Bytes, err = io.ReadAll(file)
		if err != nil {
			http.Error(w, `{"error": "failed to read reference audio"}`, http.StatusBadRequest)
			return
		}
	}

	audio, err := r.controller.PreviewDirect(req.Context(), ref,
		req.FormValue("transcription"), req.FormValue("text"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeAudio(w, audio)
}

func (r *Router) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	st := r.controller.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"address": st.Address,
		"proxied": st.Proxied,
	})
}

func (r *Router) handlePutSettings(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := r.controller.SetAddress(body.Address); err != nil {
		writeError(w, req, err)
		return
	}

	st := r.controller.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"address": st.Address,
		"proxied": st.Proxied,
	})
}

func writeAudio(w http.ResponseWriter, audio ttsapi.Audio) {
	ct := audio.ContentType
	if ct == "" {
		ct = "audio/wav"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Bytes)))
	_, _ = w.Write(audio.Bytes)
}

// Package ttsapi is the unary REST client for the voice-cloning TTS backend.
package ttsapi

import (
	"fmt"
	"unicode/utf8"
)

// Voice is a read-only record from the backend listing.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Audio is an opaque audio payload. The bytes are never decoded client-side.
type Audio struct {
	Bytes       []byte
	ContentType string
}

// RequestError is a non-2xx response from the backend. Body holds at most the
// first 200 characters of the response body.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Status, e.Body)
}

const bodyExcerptLimit = 200

func excerpt(b []byte) string {
	if len(b) > bodyExcerptLimit {
		// Back the cut off to a rune start so a multi-byte sequence is
		// never split.
		cut := bodyExcerptLimit
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
	}
	return string(b)
}

package engine

import (
	"encoding/json"
	"net/http"

	"orderdash/internal/config"
)

// syntheticPayload mirrors the order API envelope. Synthetic marks the body
// as a placeholder so callers that skip lifecycle events can still tell.
type syntheticPayload struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	Synthetic bool            `json:"synthetic"`
}

type synthesizer struct {
	placeholders []config.Placeholder
}

func newSynthesizer(ps []config.Placeholder) *synthesizer {
	return &synthesizer{placeholders: ps}
}

func (s *synthesizer) data(path string) json.RawMessage {
	for i := range s.placeholders {
		if s.placeholders[i].Matches(path) {
			if d := s.placeholders[i].DataJSON(); len(d) > 0 {
				return d
			}
			break
		}
	}
	return json.RawMessage(`[]`)
}

// read builds the placeholder returned for an unanswerable API read.
func (s *synthesizer) read(path string) *Response {
	return s.build(http.StatusOK, syntheticPayload{Success: true, Data: s.data(path), Synthetic: true})
}

// write builds the placeholder returned for an unanswerable API write; it
// must not claim the write happened.
func (s *synthesizer) write() *Response {
	return s.build(http.StatusServiceUnavailable, syntheticPayload{
		Success:   false,
		Data:      json.RawMessage(`null`),
		Error:     "order API unreachable",
		Synthetic: true,
	})
}

func (s *synthesizer) build(status int, p syntheticPayload) *Response {
	b, _ := json.Marshal(p)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return &Response{Status: status, Header: h, Body: b, Source: SourceSynthetic}
}

const offlineDocument = `<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>The order dashboard will reload when the connection returns.</p></body></html>
`

func offlinePage() *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(offlineDocument), Source: SourceOffline}
}

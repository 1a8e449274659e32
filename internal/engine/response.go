package engine

import (
	"net/http"
	"strings"

	"orderdash/internal/store"
)

// Source tells the caller where a response came from.
type Source string

const (
	SourceNetwork    Source = "network"
	SourceCache      Source = "cache"
	SourceStaleCache Source = "stale-cache"
	SourceSynthetic  Source = "synthetic"
	SourceOffline    Source = "offline"
)

// SourceHeader carries the Source on every response written by WriteResponse.
const SourceHeader = "X-Cache-Source"

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

func fromEntry(ent store.Entry, src Source) *Response {
	h := cloneHeader(ent.Header)
	if h == nil {
		h = http.Header{}
	}
	return &Response{Status: ent.Status, Header: h, Body: ent.Body, Source: src}
}

// WriteResponse copies resp onto w and tags it with its Source.
func WriteResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, SourceHeader) || hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeader(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setSourceHeader(h http.Header, src Source) {
	if src != "" {
		h.Set(SourceHeader, string(src))
	}
	// browsers hide custom headers from cross-origin JS unless exposed
	ensureExposedHeader(h, SourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

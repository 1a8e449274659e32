package engine

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"orderdash/internal/faults"
)

// Fetcher performs the network half of a strategy. Implementations must
// abandon the call when ctx is done. A non-2xx answer is a response, not an error.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// OriginFetcher forwards requests to the remote order API.
type OriginFetcher struct {
	origin string
	client *http.Client
}

func NewOriginFetcher(origin string, client *http.Client) *OriginFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OriginFetcher{origin: strings.TrimRight(origin, "/"), client: client}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	key := r.URL.RequestURI()
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, f.origin+key, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, faults.FromContext(key, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.FromContext(key, err)
	}

	return &Response{Status: resp.StatusCode, Header: responseHeader(resp.Header), Body: b, Source: SourceNetwork}, nil
}

var hopHeaders = map[string]bool{
	"Host": true, "Connection": true, "Keep-Alive": true, "Proxy-Connection": true,
	"Proxy-Authenticate": true, "Proxy-Authorization": true,
	"Te": true, "Trailer": true, "Transfer-Encoding": true, "Upgrade": true,
}

// responseHeader keeps the end-to-end headers of an origin answer. Headers
// named by Connection are hop-by-hop as well, and Content-Length is
// recomputed when the body is written.
func responseHeader(src http.Header) http.Header {
	h := make(http.Header, len(src))
	copyHeaders(h, src)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	h.Del("Content-Length")
	return h
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

type fetchResult struct {
	resp *Response
	err  error
}

// boundedFetch waits at most bound for f. When the bound passes the call is
// cancelled and a Timeout fault is returned even if f ignores its context.
// The result channel is buffered so an abandoned call never leaks its goroutine.
func boundedFetch(ctx context.Context, f Fetcher, r *http.Request, key string, bound time.Duration) (*Response, error) {
	if bound <= 0 {
		resp, err := f.Fetch(ctx, r)
		if err != nil {
			return nil, faults.FromContext(key, err)
		}
		return resp, nil
	}
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		resp, err := f.Fetch(ctx, r.WithContext(ctx))
		done <- fetchResult{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, faults.FromContext(key, res.err)
		}
		return res.resp, nil
	case <-ctx.Done():
		return nil, faults.FromContext(key, ctx.Err())
	}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func noStore(h http.Header) bool {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return strings.Contains(cc, "no-store")
}

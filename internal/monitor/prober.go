package monitor

import (
	"context"
	"io"
	"net/http"

	"orderdash/internal/faults"
)

// Prober checks whether the remote order API is reachable. Check returns
// nil when it is.
type Prober interface {
	Name() string
	Check(ctx context.Context) error
}

// HTTPProber issues a GET against a health URL; any 2xx answer means online.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{url: url, client: client}
}

func (p *HTTPProber) Name() string { return "order-api" }

func (p *HTTPProber) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := p.client.Do(req)
	if err != nil {
		return faults.FromContext(p.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return faults.NewStatus(p.url, resp.StatusCode)
	}
	return nil
}

// ProberFunc adapts a plain function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Name() string { return "func" }

func (f ProberFunc) Check(ctx context.Context) error { return f(ctx) }

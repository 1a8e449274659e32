package engine

import (
	"context"
	"net/http"
)

type ClassifyFunc func(r *http.Request) Class

type StrategyFunc func(ctx context.Context, r *http.Request, class Class) (*Response, error)

// Host is the environment that owns the request-interception hook point.
// The engine does not care how interception is wired; it only hands the
// host its classifier and strategy.
type Host interface {
	Intercept(classify ClassifyFunc, strategy StrategyFunc)
}

func (e *Engine) Attach(h Host) {
	h.Intercept(e.Classify, e.Execute)
}

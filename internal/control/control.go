// Package control implements the diagnostics and manual-intervention
// channel over the cache: status reporting, full clear and forced refresh
// of a single API resource.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orderdash/internal/store"
)

type Command string

const (
	CmdStatus       Command = "GET_CACHE_STATUS"
	CmdClear        Command = "CLEAR_CACHE"
	CmdForceRefresh Command = "FORCE_REFRESH"
)

type Request struct {
	ID   string       `json:"id,omitempty"`
	Type Command      `json:"type"`
	Data *RequestData `json:"data,omitempty"`
}

type RequestData struct {
	URL string `json:"url"`
}

// Status is the STATUS payload. Sizes are entry counts.
type Status struct {
	APICacheSize    int        `json:"apiCacheSize"`
	StaticCacheSize int        `json:"staticCacheSize"`
	TotalCacheSize  int        `json:"totalCacheSize"`
	LastUpdate      *time.Time `json:"lastUpdate"`
}

type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	*Status
}

// Engine is the cache engine surface the channel drives.
type Engine interface {
	ForceRefresh(ctx context.Context, resource string) error
	PartitionNames() (static, api string)
}

// Store is the store surface the channel reads and clears.
type Store interface {
	Partitions(ctx context.Context) ([]store.PartitionInfo, error)
	Clear(ctx context.Context) error
}

type Channel struct {
	engine Engine
	store  Store
	logger zerolog.Logger
}

func New(e Engine, s Store, logger zerolog.Logger) *Channel {
	return &Channel{
		engine: e,
		store:  s,
		logger: logger.With().Str("component", "ControlChannel").Logger(),
	}
}

// ErrUnknownCommand is reported for request types the channel does not know.
type ErrUnknownCommand struct{ Type Command }

func (e ErrUnknownCommand) Error() string { return fmt.Sprintf("unknown command %q", e.Type) }

// Handle runs req to completion and returns its response. Failures are
// reported in the response, never raised.
func (c *Channel) Handle(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	resp, err := c.dispatch(ctx, req)
	resp.ID = req.ID
	if err != nil {
		c.logger.Warn().Err(err).Str("id", req.ID).Str("type", string(req.Type)).Msg("Control command failed.")
		return Response{ID: req.ID, Success: false, Error: err.Error()}
	}
	c.logger.Debug().Str("id", req.ID).Str("type", string(req.Type)).Msg("Control command completed.")
	return resp
}

// validate rejects malformed requests before anything runs.
func validate(req Request) error {
	switch req.Type {
	case CmdStatus, CmdClear:
		return nil
	case CmdForceRefresh:
		if req.Data == nil || req.Data.URL == "" {
			return fmt.Errorf("FORCE_REFRESH requires data.url")
		}
		return nil
	default:
		return ErrUnknownCommand{Type: req.Type}
	}
}

func (c *Channel) dispatch(ctx context.Context, req Request) (Response, error) {
	if err := validate(req); err != nil {
		return Response{}, err
	}
	switch req.Type {
	case CmdStatus:
		st, err := c.status(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Status: st}, nil
	case CmdClear:
		if err := c.store.Clear(ctx); err != nil {
			return Response{}, err
		}
		c.logger.Info().Msg("Cache cleared.")
		return Response{Success: true}, nil
	case CmdForceRefresh:
		if err := c.engine.ForceRefresh(ctx, req.Data.URL); err != nil {
			return Response{}, err
		}
	}
	return Response{Success: true}, nil
}

func (c *Channel) status(ctx context.Context) (*Status, error) {
	parts, err := c.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	static, api := c.engine.PartitionNames()

	st := &Status{}
	var last time.Time
	for _, p := range parts {
		switch p.Name {
		case static:
			st.StaticCacheSize = p.Entries
		case api:
			st.APICacheSize = p.Entries
		}
		st.TotalCacheSize += p.Entries
		if p.UpdatedAt.After(last) {
			last = p.UpdatedAt
		}
	}
	if !last.IsZero() {
		st.LastUpdate = &last
	}
	return st, nil
}

package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orderdash/internal/hub"
)

// EventType names an API outcome broadcast to UI surfaces.
type EventType string

const (
	EventFresh       EventType = "api-data-fresh"
	EventCached      EventType = "api-data-cached"
	EventUnavailable EventType = "api-data-unavailable"
)

type EventData struct {
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data EventData `json:"data"`
}

// Notifier fans engine outcomes out to subscribed UI surfaces.
type Notifier struct {
	hub *hub.Hub[Event]
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	lg := logger.With().Str("component", "Notifier").Logger()
	return &Notifier{hub: hub.New[Event](hub.WithBuffer(128), hub.WithLogger(lg, time.Minute))}
}

// Subscribe registers fn for every future event and returns its disposer.
func (n *Notifier) Subscribe(fn func(Event)) func() {
	return n.hub.Subscribe(fn)
}

func (n *Notifier) Surfaces() int { return n.hub.Len() }

func (n *Notifier) emit(t EventType, url string, cause error) Event {
	ev := Event{
		ID:   uuid.NewString(),
		Type: t,
		Data: EventData{URL: url, Timestamp: time.Now().UTC()},
	}
	if cause != nil {
		ev.Data.Error = cause.Error()
	}
	n.hub.Publish(ev)
	return ev
}

func (n *Notifier) Close() { n.hub.Close() }

// Package hub is an in-process observer registry. Every subscriber owns a
// mailbox and a delivery goroutine, so Publish never waits on a callback and
// a slow or panicking subscriber cannot hold up the others.
package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Option func(*options)

type options struct {
	buffer   int
	conflate bool
	logger   zerolog.Logger
	interval time.Duration
}

// WithBuffer sets the mailbox size of each subscriber. Ignored when conflating.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Conflate keeps only the newest undelivered value per subscriber.
func Conflate() Option {
	return func(o *options) { o.conflate = true }
}

// WithLogger reports mailbox overflows and subscriber panics, at most once per interval.
func WithLogger(logger zerolog.Logger, interval time.Duration) Option {
	return func(o *options) {
		o.logger = logger
		o.interval = interval
	}
}

type subscriber[T any] struct {
	fn   func(T)
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

type Hub[T any] struct {
	opts   options
	warnLg *rateLimitedLogger

	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool

	// serialises Publish so conflating mailboxes end on the newest value
	pubMu sync.Mutex
}

func New[T any](opts ...Option) *Hub[T] {
	o := options{buffer: 64, logger: zerolog.Nop(), interval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if o.conflate {
		o.buffer = 1
	}
	return &Hub[T]{
		opts:   o,
		warnLg: newRateLimitedLogger(o.logger, o.interval),
		subs:   map[uint64]*subscriber[T]{},
	}
}

// Subscribe registers fn and returns the function that removes it.
// The returned function is idempotent.
func (h *Hub[T]) Subscribe(fn func(T)) func() {
	return h.subscribe(fn, nil)
}

// SubscribeWith registers fn and queues initial as its first delivery.
func (h *Hub[T]) SubscribeWith(initial T, fn func(T)) func() {
	return h.subscribe(fn, &initial)
}

func (h *Hub[T]) subscribe(fn func(T), initial *T) func() {
	s := &subscriber[T]{
		fn:   fn,
		ch:   make(chan T, h.opts.buffer),
		done: make(chan struct{}),
	}
	if initial != nil {
		s.ch <- *initial
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	go h.deliver(s)

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.stop()
	}
}

func (h *Hub[T]) deliver(s *subscriber[T]) {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.ch:
			h.call(s, v)
		}
	}
}

func (h *Hub[T]) call(s *subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			h.warnLg.Warn(func(e *zerolog.Event) { e.Interface("panic", r).Msg("Subscriber panicked.") })
		}
	}()
	s.fn(v)
}

// Publish hands v to every current subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	snapshot := make([]*subscriber[T], 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	for _, s := range snapshot {
		h.enqueue(s, v)
	}
}

func (h *Hub[T]) enqueue(s *subscriber[T], v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	if !h.opts.conflate {
		h.warnLg.Warn(func(e *zerolog.Event) { e.Msg("Subscriber mailbox full, dropping value.") })
		return
	}
	// replace the pending value with the newer one
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}

// Len reports the number of registered subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every delivery goroutine. Later Subscribe calls are no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[uint64]*subscriber[T]{}
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

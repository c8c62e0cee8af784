package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const DefaultQueueLimit = 4096

var ErrDetached = errors.New("telemetry: subscription detached")

// DetachReason says why a subscription stopped receiving events.
type DetachReason string

const (
	DetachUnsubscribed DetachReason = "unsubscribed"
	DetachSuperseded   DetachReason = "superseded"
	DetachOverflow     DetachReason = "overflow"
	DetachShutdown     DetachReason = "shutdown"
)

// Metrics receives channel activity. observability.Metrics implements it.
type Metrics interface {
	ObserveTelemetryPublish(delivered bool)
	SetTelemetrySubscribers(n int)
}

type Options struct {
	QueueLimit int
	Logger     zerolog.Logger
	Metrics    Metrics
}

// Stats is a point-in-time snapshot of channel counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Dropped    uint64 `json:"dropped"`
	Delivered  uint64 `json:"delivered"`
	Subscribed bool   `json:"subscribed"`
	Pending    int    `json:"pending"`
}

// Channel is a push channel with at most one subscriber at a time.
// Publish never blocks. Attaching a new subscriber detaches the previous one.
type Channel struct {
	queueLimit int
	logger     zerolog.Logger
	metrics    Metrics

	mu      sync.Mutex
	current *Subscription
	nextID  uint64
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func NewChannel(opts Options) *Channel {
	limit := opts.QueueLimit
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Channel{
		queueLimit: limit,
		logger:     opts.Logger.With().Str("component", "telemetry").Logger(),
		metrics:    opts.Metrics,
	}
}

// Attach registers a new subscriber and supersedes any existing one.
// The subscriber receives every event published after Attach returns, in order.
func (c *Channel) Attach() *Subscription {
	c.mu.Lock()
	c.nextID++
	sub := &Subscription{
		id:     c.nextID,
		ch:     c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if c.closed {
		c.mu.Unlock()
		sub.close(DetachShutdown)
		return sub
	}
	prev := c.current
	c.current = sub
	c.mu.Unlock()

	if prev != nil {
		prev.close(DetachSuperseded)
		c.logger.Info().Uint64("prev", prev.id).Uint64("sub", sub.id).Msg("telemetry subscriber superseded")
	} else {
		c.logger.Info().Uint64("sub", sub.id).Msg("telemetry subscriber attached")
	}
	c.setSubscribers(1)
	return sub
}

// Publish hands e to the current subscriber. It reports false when the event
// was dropped because nobody is attached or the subscriber fell too far behind.
func (c *Channel) Publish(e Event) bool {
	c.mu.Lock()
	sub := c.current
	if sub == nil {
		c.mu.Unlock()
		c.recordPublish(false)
		return false
	}
	ok := sub.enqueue(e, c.queueLimit)
	if !ok {
		c.current = nil
	}
	c.mu.Unlock()

	if !ok {
		sub.close(DetachOverflow)
		c.setSubscribers(0)
		c.logger.Warn().Uint64("sub", sub.id).Int("limit", c.queueLimit).Msg("telemetry subscriber fell behind; detached")
	}
	c.recordPublish(ok)
	return ok
}

// Subscribed reports whether a subscriber is attached.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	sub := c.current
	c.mu.Unlock()
	stats := Stats{
		Published:  c.published.Load(),
		Dropped:    c.dropped.Load(),
		Delivered:  c.delivered.Load(),
		Subscribed: sub != nil,
	}
	if sub != nil {
		stats.Pending = sub.Pending()
	}
	return stats
}

// Close detaches the current subscriber. Later attachments are detached immediately.
func (c *Channel) Close() {
	c.mu.Lock()
	sub := c.current
	c.current = nil
	c.closed = true
	c.mu.Unlock()
	if sub != nil {
		sub.close(DetachShutdown)
		c.setSubscribers(0)
	}
}

func (c *Channel) release(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != sub {
		return false
	}
	c.current = nil
	return true
}

func (c *Channel) recordPublish(delivered bool) {
	if delivered {
		c.published.Add(1)
	} else {
		c.dropped.Add(1)
	}
	if c.metrics != nil {
		c.metrics.ObserveTelemetryPublish(delivered)
	}
}

func (c *Channel) setSubscribers(n int) {
	if c.metrics != nil {
		c.metrics.SetTelemetrySubscribers(n)
	}
}

// Subscription is one attachment to a Channel.
type Subscription struct {
	id     uint64
	ch     *Channel
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
	reason DetachReason
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// Next blocks until the next event, detachment, or ctx cancellation.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			reason := s.reason
			s.mu.Unlock()
			return Event{}, fmt.Errorf("%w: %s", ErrDetached, reason)
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.ch.delivered.Add(1)
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Detach unsubscribes. It is safe to call more than once.
func (s *Subscription) Detach() {
	if s.ch.release(s) {
		s.ch.setSubscribers(0)
		s.ch.logger.Info().Uint64("sub", s.id).Msg("telemetry subscriber detached")
	}
	s.close(DetachUnsubscribed)
}

// Done is closed once the subscription is detached for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the subscription was detached, or "" while it is attached.
func (s *Subscription) Reason() DetachReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) enqueue(e Event, limit int) bool {
	s.mu.Lock()
	if s.closed || len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) close(reason DetachReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

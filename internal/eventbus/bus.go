// Package eventbus merges item, analysis and system events into one ordered feed.
package eventbus

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xmonitor/pkg/models"
)

// DefaultHistorySize is the number of delivered events kept for polling
const DefaultHistorySize = 500

// Sink observes every delivered event. Write must not block.
type Sink interface {
	Write(ev models.FeedEvent)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev models.FeedEvent)

func (f SinkFunc) Write(ev models.FeedEvent) { f(ev) }

// Gate decides at delivery time whether an event is still wanted
type Gate func(ev models.FeedEvent) bool

// Bus delivers events in publish order. Publish never blocks: events are
// queued without bound and handed out by a single pump goroutine.
type Bus struct {
	logger zerolog.Logger

	mu       sync.Mutex
	queue    []models.FeedEvent
	seq      uint64
	history  []models.FeedEvent
	histSize int
	sinks    []Sink
	gate     Gate
	attached bool
	dropped  uint64
	stopped  bool

	wake     chan struct{}
	detached chan struct{}
	out      chan models.FeedEvent
}

// New creates a bus keeping historySize delivered events
func New(historySize int, logger zerolog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		logger:   logger.With().Str("component", "eventbus").Logger(),
		histSize: historySize,
		wake:     make(chan struct{}, 1),
		detached: make(chan struct{}, 1),
		out:      make(chan models.FeedEvent),
	}
}

// SetGate installs the delivery filter
func (b *Bus) SetGate(g Gate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = g
}

// AddSink registers an observer of delivered events
func (b *Bus) AddSink(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish queues an event. Events published after the bus stopped are ignored.
func (b *Bus) Publish(ev models.FeedEvent) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// System is a shorthand for publishing a SystemEvent
func (b *Bus) System(kind models.SystemKind, level models.SystemLevel, message string, err error) {
	b.Publish(&models.SystemEvent{Kind: kind, Level: level, Message: message, Err: err})
}

// Events returns the consumer channel. The channel is closed when Run returns.
// Only one consumer is supported; while none is attached events go to the
// history and sinks only.
func (b *Bus) Events() <-chan models.FeedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = true
	select {
	case <-b.detached:
	default:
	}
	return b.out
}

// Feed returns the consumer sequence. Only one Feed is active at a time:
// while one is being ranged over, further calls return an empty sequence.
// Breaking out of the loop detaches the consumer.
func (b *Bus) Feed() iter.Seq[models.FeedEvent] {
	b.mu.Lock()
	taken := b.attached
	b.mu.Unlock()
	if taken {
		return func(func(models.FeedEvent) bool) {}
	}

	events := b.Events()
	return func(yield func(models.FeedEvent) bool) {
		for ev := range events {
			if !yield(ev) {
				b.detach()
				return
			}
		}
	}
}

func (b *Bus) detach() {
	b.mu.Lock()
	b.attached = false
	b.mu.Unlock()
	select {
	case b.detached <- struct{}{}:
	default:
	}
}

// Run pumps queued events until ctx is done
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.out)
	}()

	for {
		for {
			ev, ok := b.pop()
			if !ok {
				break
			}
			if !b.deliver(ctx, ev) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
	}
}

func (b *Bus) pop() (models.FeedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	ev := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return ev, true
}

// deliver stamps and hands out one event. It returns false when ctx ended.
func (b *Bus) deliver(ctx context.Context, ev models.FeedEvent) bool {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()

	if gate != nil && !gate(ev) {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Debug().Str("kind", models.EventKind(ev)).Msg("Discarded stale event")
		return true
	}

	b.mu.Lock()
	b.seq++
	models.Stamp(ev, models.EventHeader{ID: uuid.NewString(), Seq: b.seq, At: time.Now()})
	b.history = append(b.history, ev)
	if over := len(b.history) - b.histSize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
	sinks := append([]Sink(nil), b.sinks...)
	attached := b.attached
	b.mu.Unlock()

	for _, s := range sinks {
		b.write(s, ev)
	}

	if !attached {
		return true
	}
	select {
	case b.out <- ev:
		return true
	case <-b.detached:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bus) write(s Sink, ev models.FeedEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Msgf("event sink panicked: %v", r)
		}
	}()
	s.Write(ev)
}

// Since returns up to limit delivered events with a sequence number above seq
func (b *Bus) Since(seq uint64, limit int) []models.FeedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.FeedEvent
	for _, ev := range b.history {
		if ev.Header().Seq > seq {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// LastSeq returns the sequence number of the most recent delivered event
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Dropped returns how many events the gate discarded
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Pending returns the number of queued, undelivered events
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

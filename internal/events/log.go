package events

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize is the default per-subscriber delivery queue capacity.
	DefaultQueueSize = 256
)

var (
	// ErrLogClosed is returned when appending after a terminal event.
	ErrLogClosed = errors.New("event log closed by terminal event")
	// ErrSubscriberLagged marks a subscriber disconnected for falling behind.
	ErrSubscriberLagged = errors.New("subscriber lagged behind event log")
)

// Logger captures warning logs for lagged subscribers.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes log construction.
type Option func(*Log)

// WithQueueSize configures per-subscriber delivery queue capacity.
func WithQueueSize(size int) Option {
	return func(l *Log) {
		if size > 0 {
			l.queueSize = size
		}
	}
}

// WithLogger configures the log sink used for lag warnings.
func WithLogger(logger Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNow injects the clock used for event timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Log is the append-only, sequence-numbered event store for one mission.
//
// A single writer appends; any number of subscribers read. A terminal
// event closes the log: subsequent appends fail and live subscriber
// channels are completed. Writers are never blocked by subscribers.
type Log struct {
	missionID string
	queueSize int
	logger    Logger
	now       func() time.Time

	lastSeq atomic.Uint64

	mu      sync.RWMutex
	events  []Event
	closed  bool
	subs    map[uint64]*Subscription
	nextSub uint64
}

// NewLog creates the event log for one mission.
func NewLog(missionID string, options ...Option) *Log {
	l := &Log{
		missionID: missionID,
		queueSize: DefaultQueueSize,
		logger:    log.Default(),
		now:       time.Now,
		subs:      map[uint64]*Subscription{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(l)
	}
	return l
}

// Append assigns the next sequence number and stores one event, fanning it
// out to live subscribers. It fails once a terminal event has been appended.
func (l *Log) Append(eventType Type, payload any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, ErrLogClosed
	}

	event := Event{
		Sequence:  uint64(len(l.events)) + 1,
		Timestamp: l.now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}
	l.events = append(l.events, event)
	l.lastSeq.Store(event.Sequence)

	for id, sub := range l.subs {
		select {
		case sub.ch <- event:
		default:
			sub.fail(ErrSubscriberLagged)
			delete(l.subs, id)
			close(sub.ch)
			l.logger.Printf(
				"events: disconnecting lagged subscriber=%d mission=%s at sequence=%d",
				id,
				l.missionID,
				event.Sequence,
			)
		}
	}

	if event.Type == TypeTerminal {
		l.closed = true
		for id, sub := range l.subs {
			delete(l.subs, id)
			close(sub.ch)
		}
	}

	return event, nil
}

// Subscribe replays buffered events with sequence >= fromSeq, then attaches
// to live delivery. The returned subscription's channel completes after the
// terminal event, or early with ErrSubscriberLagged when the subscriber
// cannot keep up.
func (l *Log) Subscribe(fromSeq uint64) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	backlog := l.eventsFromLocked(fromSeq)

	// Size the channel to hold the whole backlog plus live headroom so the
	// replayed prefix and the live tail share one ordered stream.
	sub := &Subscription{
		ch: make(chan Event, len(backlog)+l.queueSize),
	}
	for _, event := range backlog {
		sub.ch <- event
	}

	if l.closed {
		close(sub.ch)
		return sub
	}

	l.nextSub++
	sub.id = l.nextSub
	sub.log = l
	l.subs[sub.id] = sub
	return sub
}

// LastSequence returns the highest appended sequence number without locking.
func (l *Log) LastSequence() uint64 {
	return l.lastSeq.Load()
}

// Closed reports whether a terminal event has been appended.
func (l *Log) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// EventsFrom returns a copy of events with sequence >= fromSeq.
func (l *Log) EventsFrom(fromSeq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.eventsFromLocked(fromSeq)
}

func (l *Log) eventsFromLocked(fromSeq uint64) []Event {
	start := 0
	if fromSeq > 1 {
		start = int(fromSeq) - 1
	}
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Subscription is one subscriber's view of a mission event log.
type Subscription struct {
	id  uint64
	ch  chan Event
	log *Log

	mu  sync.Mutex
	err error
}

// Events returns the delivery channel. It is closed after the terminal
// event or when the subscriber is disconnected; check Err to distinguish.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err reports why the channel closed. Nil means normal terminal completion;
// ErrSubscriberLagged means the subscriber fell behind and should resubscribe
// from its last observed sequence.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription from live delivery.
func (s *Subscription) Close() {
	if s.log == nil {
		return
	}
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if sub, ok := s.log.subs[s.id]; ok && sub == s {
		delete(s.log.subs, s.id)
		close(s.ch)
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Package eventlog is the append-only, totally ordered record of execution state.
package eventlog

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/metrics"
)

// Store is the persistence the log needs.
type Store interface {
	AppendEvent(ctx context.Context, event *domain.Event) error
	LastEventPosition(ctx context.Context, executionID string) (*domain.Cursor, error)
	ListEvents(ctx context.Context, executionID string, after *domain.Cursor, limit int) ([]domain.Event, error)
}

// DefaultPageSize bounds a single read from the store.
const DefaultPageSize = 200

// Log assigns (timestamp, sequence) positions and persists events. Each
// execution has its own writer; appends to different executions never
// contend with each other.
type Log struct {
	store       Store
	notifier    *Notifier
	now         func() time.Time
	granularity time.Duration
	pageSize    int

	mu      sync.Mutex
	writers map[string]*writer
}

// writer is the single sequence authority of one execution.
type writer struct {
	mu     sync.Mutex
	seeded bool
	last   *domain.Cursor
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithGranularity sets the precision timestamps are truncated to.
func WithGranularity(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.granularity = d
		}
	}
}

// WithPageSize sets the page size of All.
func WithPageSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithNotifier shares a notifier with other components.
func WithNotifier(n *Notifier) Option {
	return func(l *Log) { l.notifier = n }
}

// New creates a log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:       store,
		notifier:    NewNotifier(),
		now:         time.Now,
		granularity: time.Second,
		pageSize:    DefaultPageSize,
		writers:     make(map[string]*writer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Notifier returns the wakeup source used for live tailing.
func (l *Log) Notifier() *Notifier { return l.notifier }

// Append records one event. The timestamp is the current time truncated to
// the log granularity; the sequence is one more than the highest sequence
// already recorded for the same (execution, timestamp), starting at 0. The
// position never moves backwards, even if the wall clock does.
func (l *Log) Append(ctx context.Context, executionID string, eventType domain.EventType, nodeID string, payload any) (domain.Event, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "encode %s payload", eventType)
	}

	w := l.writerFor(executionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seeded {
		last, err := l.store.LastEventPosition(ctx, executionID)
		if err != nil {
			return domain.Event{}, errors.Wrapf(err, "load last position of %s", executionID)
		}
		w.last = last
		w.seeded = true
	}

	ts := l.now().UTC().Truncate(l.granularity)
	var seq int64
	if w.last != nil && !ts.After(w.last.Timestamp) {
		ts = w.last.Timestamp
		seq = w.last.Sequence + 1
	}

	ev := domain.Event{
		ExecutionID: executionID,
		Timestamp:   ts,
		Sequence:    seq,
		Type:        eventType,
		NodeID:      nodeID,
		Payload:     data,
	}
	if err := l.store.AppendEvent(ctx, &ev); err != nil {
		// the stored position is unknown after a failed write
		w.seeded = false
		return domain.Event{}, err
	}
	w.last = &domain.Cursor{Timestamp: ts, Sequence: seq}

	metrics.EventsAppended.WithLabelValues(string(eventType)).Inc()
	l.notifier.Notify(executionID)
	return ev, nil
}

// Release drops the cached writer of an execution. A later append reseeds
// from the store.
func (l *Log) Release(executionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.writers, executionID)
}

func (l *Log) writerFor(executionID string) *writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.writers[executionID]
	if !ok {
		w = &writer{}
		l.writers[executionID] = w
	}
	return w
}

// Read returns up to limit events strictly after the cursor, ordered by
// (timestamp, sequence).
func (l *Log) Read(ctx context.Context, executionID string, after *domain.Cursor, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = l.pageSize
	}
	events, err := l.store.ListEvents(ctx, executionID, after, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "read events of %s", executionID)
	}
	return events, nil
}

// All lazily yields every event after the cursor, one page at a time. The
// sequence is finite and can be iterated again from any cursor.
func (l *Log) All(ctx context.Context, executionID string, after *domain.Cursor) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		cursor := after
		for {
			page, err := l.Read(ctx, executionID, cursor, l.pageSize)
			if err != nil {
				yield(domain.Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			c := page[len(page)-1].Cursor()
			cursor = &c
		}
	}
}

// Wait subscribes to append notifications of an execution.
func (l *Log) Wait(executionID string) (<-chan struct{}, func()) {
	return l.notifier.Subscribe(executionID)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

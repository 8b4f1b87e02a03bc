// Package stream tails an execution's event log for live subscribers.
package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/metrics"
)

// Source is the read side of the event log.
type Source interface {
	Read(ctx context.Context, executionID string, after *domain.Cursor, limit int) ([]domain.Event, error)
	Wait(executionID string) (<-chan struct{}, func())
}

// ErrMaxDuration ends a subscription that outlived the configured limit.
var ErrMaxDuration = errors.New("stream exceeded maximum duration")

const defaultPageSize = 100

// Publisher turns the event log into per-subscriber channels. It holds no
// per-execution state: every subscriber tracks its own cursor and re-reads
// the log whenever it is woken, so a slow subscriber never blocks writers.
type Publisher struct {
	source       Source
	pollInterval time.Duration
	maxDuration  time.Duration
	pageSize     int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPollInterval sets the fallback poll period used when no wakeup arrives.
func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxDuration bounds how long a single subscription may stay open.
// Zero means unbounded.
func WithMaxDuration(d time.Duration) Option {
	return func(p *Publisher) { p.maxDuration = d }
}

// WithPageSize sets how many events are read per round trip.
func WithPageSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// New creates a Publisher reading from source.
func New(source Source, opts ...Option) *Publisher {
	p := &Publisher{
		source:       source,
		pollInterval: 250 * time.Millisecond,
		pageSize:     defaultPageSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe streams the events of an execution strictly after from, or
// from the beginning when from is nil. The event channel is closed after an
// execution-terminal event has been delivered, when ctx is done, or after a
// failure has been reported on the error channel. Failures are always
// *domain.StreamDisconnectError carrying the last delivered cursor.
func (p *Publisher) Subscribe(ctx context.Context, executionID string, from *domain.Cursor) (<-chan domain.Event, <-chan error) {
	events := make(chan domain.Event, p.pageSize)
	errc := make(chan error, 1)

	go p.run(ctx, executionID, from, events, errc)
	return events, errc
}

func (p *Publisher) run(ctx context.Context, executionID string, from *domain.Cursor, events chan<- domain.Event, errc chan<- error) {
	defer close(errc)
	defer close(events)

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	logger := log.WithExecution(executionID)

	// subscribe before the first read so no append slips between the read
	// and the wait
	wake, unsubscribe := p.source.Wait(executionID)
	defer unsubscribe()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if p.maxDuration > 0 {
		timer := time.NewTimer(p.maxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	cursor := from
	disconnect := func(err error) {
		errc <- &domain.StreamDisconnectError{ExecutionID: executionID, Cursor: cursor, Err: err}
	}

	for {
		page, err := p.source.Read(ctx, executionID, cursor, p.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Stream read failed")
			disconnect(err)
			return
		}

		for _, ev := range page {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			c := ev.Cursor()
			cursor = &c
			if ev.Type.IsTerminal() {
				return
			}
		}

		if len(page) == p.pageSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline:
			disconnect(ErrMaxDuration)
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

package service

import (
	"context"

	"github.com/catface996/aiops-executor/internal/domain"
)

// ReadEvents returns one page of the event log strictly after the cursor.
func (s *Service) ReadEvents(ctx context.Context, executionID string, after *domain.Cursor, limit int) (*domain.EventPage, error) {
	if _, err := s.loadExecution(ctx, executionID); err != nil {
		return nil, err
	}
	events, err := s.events.Read(ctx, executionID, after, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.Event{}
	}

	page := &domain.EventPage{ExecutionID: executionID, Events: events}
	if n := len(events); n > 0 {
		page.NextCursor = events[n-1].Cursor().String()
		page.Terminal = events[n-1].Type.IsTerminal()
	} else if after != nil {
		page.NextCursor = after.String()
	}
	return page, nil
}

// Stream subscribes to an execution's events. Executions started with
// stream_events set to false cannot be streamed.
func (s *Service) Stream(ctx context.Context, executionID string, after *domain.Cursor) (<-chan domain.Event, <-chan error, error) {
	exec, err := s.loadExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if !exec.Config.StreamEvents {
		return nil, nil, domain.ErrStreamingDisabled
	}
	events, errc := s.publisher.Subscribe(ctx, executionID, after)
	return events, errc, nil
}

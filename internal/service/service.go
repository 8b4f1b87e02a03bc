// Package service implements the team and execution use cases on top of the
// store, the event log, the scheduler and the stream publisher.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/eventlog"
	"github.com/catface996/aiops-executor/internal/repository"
	"github.com/catface996/aiops-executor/internal/scheduler"
	"github.com/catface996/aiops-executor/internal/stream"
)

type Service struct {
	store     repository.Store
	events    *eventlog.Log
	scheduler *scheduler.Scheduler
	publisher *stream.Publisher
	now       func() time.Time
}

func New(store repository.Store, events *eventlog.Log, sched *scheduler.Scheduler, publisher *stream.Publisher) *Service {
	return &Service{
		store:     store,
		events:    events,
		scheduler: sched,
		publisher: publisher,
		now:       time.Now,
	}
}

// Health reports liveness and how many executions this process is driving.
type Health struct {
	Status            string `json:"status"`
	RunningExecutions int    `json:"running_executions"`
	Time              string `json:"time"`
}

func (s *Service) Health(ctx context.Context) Health {
	return Health{
		Status:            "ok",
		RunningExecutions: s.scheduler.Running(),
		Time:              s.now().UTC().Format(time.RFC3339),
	}
}

func newExecutionID() string {
	return "exec_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func newTeamID() string {
	return "ht_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
}

func pageOffset(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func notFound(resource, id string) error {
	return &domain.NotFoundError{Resource: resource, ID: id}
}

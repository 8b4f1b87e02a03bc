package teams

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/log"
)

// Registry receives teams loaded from disk.
type Registry interface {
	UpsertTeam(ctx context.Context, team *domain.Team) error
	DeleteTeam(ctx context.Context, teamID string) (bool, error)
}

const debounce = 100 * time.Millisecond

// Watcher keeps the registry in sync with a directory of team files.
type Watcher struct {
	dir      string
	registry Registry
	watcher  *fsnotify.Watcher
	logger   *logrus.Entry

	mu      sync.Mutex
	byPath  map[string]string
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, registry Registry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fs watcher")
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		watcher:  fw,
		logger:   log.GetLogger().WithField("teams_dir", dir),
		byPath:   make(map[string]string),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Sync loads every team file once. Invalid files are logged and skipped.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	teams, failed, err := LoadDir(w.dir)
	if err != nil {
		return 0, err
	}
	for path, ferr := range failed {
		w.logger.WithError(ferr).WithField("file", path).Warn("Skipping invalid team file")
	}
	for _, team := range teams {
		if err := w.upsert(ctx, team); err != nil {
			return 0, err
		}
	}
	return len(teams), nil
}

// Start watches the directory until Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return errors.Wrapf(err, "watch %s", w.dir)
	}
	w.started = true
	go w.watchLoop(ctx)
	return nil
}

// Stop ends the watch loop and releases the fs watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	if w.started {
		<-w.done
	}
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	// editors emit several events per save
	timer := time.NewTimer(0)
	<-timer.C
	pending := make(map[string]fsnotify.Op)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsTeamFile(event.Name) {
				continue
			}
			pending[event.Name] |= event.Op
			timer.Reset(debounce)

		case <-timer.C:
			for path, op := range pending {
				w.handle(ctx, path, op)
			}
			pending = make(map[string]fsnotify.Op)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Team watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string, op fsnotify.Op) {
	logger := w.logger.WithField("file", filepath.Base(path))

	team, err := LoadFile(path)
	if err != nil {
		if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.remove(ctx, path)
			return
		}
		logger.WithError(err).Warn("Ignoring invalid team file")
		return
	}
	if err := w.upsert(ctx, team); err != nil {
		logger.WithError(err).Error("Failed to register team")
		return
	}
	logger.WithField("team_id", team.TeamID).Info("Team reloaded")
}

func (w *Watcher) upsert(ctx context.Context, team *domain.Team) error {
	now := time.Now().UTC()
	if team.CreatedAt.IsZero() {
		team.CreatedAt = now
	}
	team.UpdatedAt = now
	if err := w.registry.UpsertTeam(ctx, team); err != nil {
		return errors.Wrapf(err, "register team %s", team.TeamID)
	}
	w.mu.Lock()
	w.byPath[team.Source] = team.TeamID
	w.mu.Unlock()
	return nil
}

func (w *Watcher) remove(ctx context.Context, path string) {
	w.mu.Lock()
	id, ok := w.byPath[path]
	delete(w.byPath, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if _, err := w.registry.DeleteTeam(ctx, id); err != nil {
		w.logger.WithError(err).WithField("team_id", id).Warn("Failed to remove team")
		return
	}
	w.logger.WithField("team_id", id).Info("Team removed")
}

package eventlog

import (
	"sync"

	"github.com/google/uuid"
)

// Notifier wakes subscribers of an execution when new events are appended.
// Wakeups carry no data; subscribers re-read the log from their cursor.
type Notifier struct {
	// executions maps execution_id to subscriber id to wake channel
	executions map[string]map[string]chan struct{}

	mu sync.RWMutex
}

// NewNotifier creates a new Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		executions: make(map[string]map[string]chan struct{}),
	}
}

// Subscribe registers interest in an execution. The returned channel has a
// buffer of one so a burst of appends collapses into a single wakeup.
func (n *Notifier) Subscribe(executionID string) (<-chan struct{}, func()) {
	id := uuid.New().String()
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.executions[executionID] == nil {
		n.executions[executionID] = make(map[string]chan struct{})
	}
	n.executions[executionID][id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { n.unsubscribe(executionID, id) })
	}
}

func (n *Notifier) unsubscribe(executionID, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.executions[executionID]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(n.executions, executionID)
	}
}

// Notify wakes every subscriber of the execution without blocking.
func (n *Notifier) Notify(executionID string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.executions[executionID] {
		select {
		case ch <- struct{}{}:
		default:
			// a wakeup is already pending
		}
	}
}

// SubscriberCount returns the number of subscribers of an execution.
func (n *Notifier) SubscriberCount(executionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.executions[executionID])
}

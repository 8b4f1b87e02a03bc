package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is an immutable record in an execution's event log.
// Within one execution, (Timestamp, Sequence) is a strict total order.
type Event struct {
	ExecutionID string
	Timestamp   time.Time
	Sequence    int64
	Type        EventType
	NodeID      string
	Payload     json.RawMessage
}

type eventJSON struct {
	ExecutionID string          `json:"execution_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
	Type        EventType       `json:"event_type"`
	NodeID      *string         `json:"node_id"`
	Payload     json.RawMessage `json:"payload"`
	Cursor      string          `json:"cursor"`
}

// MarshalJSON renders execution-level events with a null node_id.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ExecutionID: e.ExecutionID,
		Timestamp:   e.Timestamp,
		Sequence:    e.Sequence,
		Type:        e.Type,
		Payload:     e.Payload,
		Cursor:      e.Cursor().String(),
	}
	if e.NodeID != "" {
		id := e.NodeID
		out.NodeID = &id
	}
	if len(out.Payload) == 0 {
		out.Payload = json.RawMessage("{}")
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event{
		ExecutionID: in.ExecutionID,
		Timestamp:   in.Timestamp,
		Sequence:    in.Sequence,
		Type:        in.Type,
		Payload:     in.Payload,
	}
	if in.NodeID != nil {
		e.NodeID = *in.NodeID
	}
	return nil
}

// Cursor returns the log position of the event.
func (e Event) Cursor() Cursor {
	return Cursor{Timestamp: e.Timestamp, Sequence: e.Sequence}
}

// Cursor marks a position in an execution's event log.
type Cursor struct {
	Timestamp time.Time
	Sequence  int64
}

// Less reports whether c sorts strictly before o.
func (c Cursor) Less(o Cursor) bool {
	if !c.Timestamp.Equal(o.Timestamp) {
		return c.Timestamp.Before(o.Timestamp)
	}
	return c.Sequence < o.Sequence
}

// String encodes the cursor as "<unix-nanos>-<sequence>".
func (c Cursor) String() string {
	return fmt.Sprintf("%d-%d", c.Timestamp.UnixNano(), c.Sequence)
}

// ParseCursor decodes a cursor produced by Cursor.String. An empty string
// yields a nil cursor, meaning "from the beginning".
func ParseCursor(s string) (*Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	tsPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("invalid cursor %q", s)
	}
	nanos, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp %q", tsPart)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return nil, fmt.Errorf("invalid cursor sequence %q", seqPart)
	}
	return &Cursor{Timestamp: time.Unix(0, nanos).UTC(), Sequence: seq}, nil
}

// ExecutionStartedPayload is the payload of execution_started.
type ExecutionStartedPayload struct {
	TeamID     string          `json:"team_id"`
	TotalNodes int             `json:"total_nodes"`
	Config     ExecutionConfig `json:"config"`
}

// NodeStartedPayload is the payload of node_started.
type NodeStartedPayload struct {
	Name string   `json:"name"`
	Kind NodeKind `json:"kind"`
}

// NodeSucceededPayload is the payload of node_succeeded. Result is only
// present when the execution saves intermediate results.
type NodeSucceededPayload struct {
	DurationMs int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// NodeFailedPayload is the payload of node_failed.
type NodeFailedPayload struct {
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// NodeSkippedPayload is the payload of node_skipped.
type NodeSkippedPayload struct {
	Reason     string `json:"reason"`
	Dependency string `json:"dependency,omitempty"`
}

// ExecutionFinishedPayload is the payload of the terminal execution events.
type ExecutionFinishedPayload struct {
	Status     ExecutionStatus `json:"status"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	DurationMs int64           `json:"duration_ms"`
	Reason     string          `json:"reason,omitempty"`
}

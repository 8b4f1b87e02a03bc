package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfigurationKind classifies a ConfigurationError.
type ConfigurationKind string

const (
	ConfigCycle             ConfigurationKind = "cycle"
	ConfigDanglingReference ConfigurationKind = "dangling_reference"
	ConfigInvalid           ConfigurationKind = "invalid"
)

// ConfigurationError rejects a team definition before anything runs.
type ConfigurationError struct {
	Kind      ConfigurationKind
	NodeID    string
	Reference string
	Nodes     []string
	Message   string
}

func (e *ConfigurationError) Error() string {
	switch e.Kind {
	case ConfigCycle:
		return fmt.Sprintf("configuration error: dependency cycle among [%s]", strings.Join(e.Nodes, ", "))
	case ConfigDanglingReference:
		return fmt.Sprintf("configuration error: %q depends on undefined node %q", e.NodeID, e.Reference)
	default:
		return "configuration error: " + e.Message
	}
}

// InvalidConfig builds a ConfigurationError of kind invalid.
func InvalidConfig(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Kind: ConfigInvalid, Message: fmt.Sprintf(format, args...)}
}

// NodeExecutionError is an executor failure or timeout for one node.
type NodeExecutionError struct {
	NodeID string
	Reason string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("node %s failed: %s", e.NodeID, e.Reason)
	}
	return fmt.Sprintf("node %s failed (%s): %v", e.NodeID, e.Reason, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown team or execution id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// AlreadyTerminalError reports an operation on a finished execution.
type AlreadyTerminalError struct {
	ExecutionID string
	Status      ExecutionStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("execution %s already %s", e.ExecutionID, e.Status)
}

// StreamDisconnectError is transient; the consumer resumes from Cursor.
type StreamDisconnectError struct {
	ExecutionID string
	Cursor      *Cursor
	Err         error
}

func (e *StreamDisconnectError) Error() string {
	at := "start"
	if e.Cursor != nil {
		at = e.Cursor.String()
	}
	return fmt.Sprintf("stream for execution %s disconnected at %s: %v", e.ExecutionID, at, e.Err)
}

func (e *StreamDisconnectError) Unwrap() error { return e.Err }

// ErrStreamingDisabled is returned when an execution was started without stream_events.
var ErrStreamingDisabled = errors.New("event streaming disabled for this execution")

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsAlreadyTerminal reports whether err is an AlreadyTerminalError.
func IsAlreadyTerminal(err error) bool {
	var target *AlreadyTerminalError
	return errors.As(err, &target)
}

// ErrNotFinished is returned when results are requested before the execution ends.
var ErrNotFinished = errors.New("execution has not finished")

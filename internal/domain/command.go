package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// CommandKind discriminates the command payload variants.
type CommandKind string

const (
	CommandInsert         CommandKind = "insert"
	CommandCompleteTask   CommandKind = "completeTask"
	CommandAbortTask      CommandKind = "abortTask"
	CommandTaskFailed     CommandKind = "taskFailed"
	CommandProfileChanged CommandKind = "profileChanged"
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandInsert, CommandCompleteTask, CommandAbortTask, CommandTaskFailed, CommandProfileChanged:
		return true
	}
	return false
}

// IsTask reports whether the kind addresses an asynchronous task.
func (k CommandKind) IsTask() bool {
	return k == CommandCompleteTask || k == CommandAbortTask || k == CommandTaskFailed
}

// Fact is one typed value inserted into a session. On the wire it is a single
// key object: {"<type>": <value>}.
type Fact struct {
	Type  string
	Value json.RawMessage
}

func (f Fact) MarshalJSON() ([]byte, error) {
	value := f.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{f.Type: value})
}

func (f *Fact) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("domain.Fact: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("domain.Fact: want exactly one type key, got %d", len(m))
	}
	for typ, value := range m {
		f.Type = typ
		f.Value = value
	}
	return nil
}

// Command is one request against a session. The dispatcher owns Timestamp:
// whatever the caller sets is overwritten with the batch admission time.
type Command struct {
	Kind            CommandKind `json:"command"`
	AccountID       string      `json:"accountId"`
	SessionID       string      `json:"sessionId,omitempty"`
	KnowledgeBaseID string      `json:"knowledgeBaseId,omitempty"`
	Profiles        []string    `json:"profiles,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`

	// insert
	Facts []Fact `json:"objects,omitempty"`

	// completeTask, abortTask, taskFailed
	TaskID  int64          `json:"taskId,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Failure string         `json:"failure,omitempty"`
}

// Validate checks the invariants a command must hold before dispatch.
func (c *Command) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	if c.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidCommand)
	}
	if c.Kind.IsTask() {
		if c.SessionID == "" {
			return fmt.Errorf("%w: %s requires a session id", ErrInvalidCommand, c.Kind)
		}
		if c.TaskID <= 0 {
			return fmt.Errorf("%w: %s requires a task id", ErrInvalidCommand, c.Kind)
		}
	}
	return nil
}

// Encode returns the durable log form of the command.
func (c *Command) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("domain.Command.Encode: %w", err)
	}
	return b, nil
}

// DecodeCommand parses a durable log entry. Numbers inside task results are
// kept as json.Number so integer values survive the round trip.
func DecodeCommand(data []byte) (*Command, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var c Command
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("domain.DecodeCommand: %w", err)
	}
	if !c.Kind.Valid() {
		return nil, fmt.Errorf("domain.DecodeCommand: %w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return &c, nil
}

// NewCompleteTask builds the command a task worker submits on success.
func NewCompleteTask(accountID, sessionID string, taskID int64, result map[string]any) *Command {
	return &Command{
		Kind:      CommandCompleteTask,
		AccountID: accountID,
		SessionID: sessionID,
		TaskID:    taskID,
		Result:    result,
	}
}

// NewTaskFailed builds the command a task boundary submits when a worker fails.
func NewTaskFailed(accountID, sessionID string, taskID int64, cause error) *Command {
	msg := "task failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Command{
		Kind:      CommandTaskFailed,
		AccountID: accountID,
		SessionID: sessionID,
		TaskID:    taskID,
		Failure:   msg,
	}
}

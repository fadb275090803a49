// Package engine defines the capability boundary between sessions and the
// stateful computation engine they wrap. Sessions only ever talk to these
// interfaces; concrete engines live in sub-packages.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by engine implementations.
var (
	// ErrClockRegression is returned when the logical clock would move
	// backwards. Callers stamp commands monotonically, so this is a bug.
	ErrClockRegression   = errors.New("engine: clock regression")
	ErrUnknownTask       = errors.New("engine: unknown task")
	ErrUnknownCodec      = errors.New("engine: unknown codec")
	ErrIncompatibleState = errors.New("engine: incompatible state")
	ErrDisposed          = errors.New("engine: disposed")
)

// Codec selects the serialization format of engine state.
type Codec string

const (
	// CodecBinary is the fast format. It only round-trips into the exact
	// template that produced it.
	CodecBinary Codec = "binary"
	// CodecPortable survives a template version change.
	CodecPortable Codec = "portable"
)

// Valid reports whether c is a known codec.
func (c Codec) Valid() bool {
	return c == CodecBinary || c == CodecPortable
}

// Fact is a typed value in working memory.
type Fact struct {
	Type  string
	Value json.RawMessage
}

// VarType is the declared type of a process variable a task output maps to.
type VarType string

const (
	VarString VarType = "string"
	VarBool   VarType = "bool"
	VarInt    VarType = "int"
	VarFloat  VarType = "float"
	VarObject VarType = "object"
	VarAny    VarType = "any"
)

// Task is a unit of asynchronous work started by the engine.
type Task struct {
	ID        int64
	ProcessID int64
	Name      string
	Params    map[string]any
}

// TaskHandler receives tasks when the engine starts them. ExecuteTask runs
// on the engine's calling goroutine and must not block.
type TaskHandler interface {
	ExecuteTask(task Task)
}

// TaskError is a task failure fed back into the engine.
type TaskError struct {
	TaskID int64
	Cause  string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d failed: %s", e.TaskID, e.Cause)
}

// Engine is one mutable engine instance owned by a single session.
// Implementations are not safe for concurrent use.
type Engine interface {
	Insert(facts ...Fact) error
	// AdvanceClock moves the pseudo clock to t. It does not run timed work;
	// call Fire for that.
	AdvanceClock(t time.Time) error
	Clock() time.Time
	// Fire runs any work that became due.
	Fire() error

	CompleteTask(id int64, result map[string]any) error
	AbortTask(id int64) error
	FailTask(id int64, cause *TaskError) error
	// TaskOutputs returns the declared output fields of a pending task and
	// the variable types their values must be coerced to.
	TaskOutputs(id int64) (map[string]VarType, error)
	RegisterTaskHandler(name string, h TaskHandler)

	ActiveProcesses() int
	FactCount() map[string]int64
	Marshal(codec Codec) ([]byte, error)
	Dispose()
}

// Template is the compiled, immutable form of a knowledge base from which
// engines are created.
type Template interface {
	// Fingerprint identifies the exact template build.
	Fingerprint() string
	// TaskNodes lists the task handler names the template can start.
	TaskNodes() []string
	NewEngine() (Engine, error)
	// Restore rebuilds an engine from state produced by Marshal(codec).
	// Implementations repair any internal counters the codec does not carry.
	Restore(codec Codec, state []byte) (Engine, error)
}

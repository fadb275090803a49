package flow

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/salient/internal/engine"
)

// TaskFailureType is the fact type inserted when a task fails in a step
// without a catch process.
const TaskFailureType = "flow.TaskFailure"

// maxActivations bounds the process steps one call may run. Rules whose
// processes insert facts matching themselves would otherwise never settle.
const maxActivations = 10_000

// ErrRunaway is returned when a call exceeds maxActivations.
var ErrRunaway = errors.New("flow: runaway activation") //nolint:gochecknoglobals // sentinel error

type state struct {
	Fingerprint   string     `json:"-"`
	Module        string     `json:"module"`
	Clock         time.Time  `json:"clock"`
	NextProcessID int64      `json:"-"`
	NextTaskID    int64      `json:"nextTaskId"`
	Facts         []fact     `json:"facts,omitempty"`
	Processes     []*process `json:"processes,omitempty"`
}

type fact struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type process struct {
	ID        int64                      `json:"id"`
	Def       string                     `json:"def"`
	Step      int                        `json:"step"`
	Vars      map[string]json.RawMessage `json:"vars,omitempty"`
	WaitUntil time.Time                  `json:"waitUntil,omitzero"`
	TaskID    int64                      `json:"taskId,omitempty"`
}

type runtime struct {
	tpl      *Template
	st       *state
	handlers map[string]engine.TaskHandler
	agenda   []*process
	disposed bool
}

var _ engine.Engine = (*runtime)(nil)

func newRuntime(tpl *Template, st *state) *runtime {
	return &runtime{
		tpl:      tpl,
		st:       st,
		handlers: make(map[string]engine.TaskHandler),
	}
}

func (r *runtime) Insert(facts ...engine.Fact) error {
	if r.disposed {
		return engine.ErrDisposed
	}
	for _, f := range facts {
		r.insert(fact{Type: f.Type, Value: f.Value})
	}
	return r.drain()
}

func (r *runtime) AdvanceClock(t time.Time) error {
	if r.disposed {
		return engine.ErrDisposed
	}
	if t.Before(r.st.Clock) {
		return fmt.Errorf("%w: %s before %s", engine.ErrClockRegression,
			t.Format(time.RFC3339Nano), r.st.Clock.Format(time.RFC3339Nano))
	}
	r.st.Clock = t.UTC()
	return nil
}

func (r *runtime) Clock() time.Time { return r.st.Clock }

func (r *runtime) Fire() error {
	if r.disposed {
		return engine.ErrDisposed
	}
	for _, p := range r.st.Processes {
		if !p.WaitUntil.IsZero() && !p.WaitUntil.After(r.st.Clock) {
			p.WaitUntil = time.Time{}
			p.Step++
			r.agenda = append(r.agenda, p)
		}
	}
	return r.drain()
}

func (r *runtime) CompleteTask(id int64, result map[string]any) error {
	if r.disposed {
		return engine.ErrDisposed
	}
	p, step, err := r.pending(id)
	if err != nil {
		return err
	}

	for field, out := range step.Outputs {
		v, ok := result[field]
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("flow.CompleteTask: output %q: %w", field, err)
		}
		if p.Vars == nil {
			p.Vars = map[string]json.RawMessage{}
		}
		p.Vars[out.Var] = raw
	}

	p.TaskID = 0
	p.Step++
	r.agenda = append(r.agenda, p)
	return r.drain()
}

// AbortTask terminates the process waiting on the task.
func (r *runtime) AbortTask(id int64) error {
	if r.disposed {
		return engine.ErrDisposed
	}
	p, _, err := r.pending(id)
	if err != nil {
		return err
	}
	r.remove(p)
	return nil
}

// FailTask terminates the process waiting on the task and starts the step's
// catch process with the same variables plus "error". Without a catch
// process a TaskFailureType fact is inserted instead.
func (r *runtime) FailTask(id int64, cause *engine.TaskError) error {
	if r.disposed {
		return engine.ErrDisposed
	}
	p, step, err := r.pending(id)
	if err != nil {
		return err
	}
	r.remove(p)

	msg := ""
	if cause != nil {
		msg = cause.Cause
	}

	if step.Catch != "" {
		vars := maps.Clone(p.Vars)
		if vars == nil {
			vars = map[string]json.RawMessage{}
		}
		vars["error"], _ = json.Marshal(msg)
		r.start(step.Catch, vars)
		return r.drain()
	}

	value, _ := json.Marshal(map[string]any{
		"taskId":  id,
		"task":    step.Task,
		"process": p.Def,
		"cause":   msg,
	})
	r.insert(fact{Type: TaskFailureType, Value: value})
	return r.drain()
}

func (r *runtime) TaskOutputs(id int64) (map[string]engine.VarType, error) {
	if r.disposed {
		return nil, engine.ErrDisposed
	}
	_, step, err := r.pending(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]engine.VarType, len(step.Outputs))
	for field, o := range step.Outputs {
		typ := o.Type
		if typ == "" {
			typ = engine.VarAny
		}
		out[field] = typ
	}
	return out, nil
}

func (r *runtime) RegisterTaskHandler(name string, h engine.TaskHandler) {
	r.handlers[name] = h
}

func (r *runtime) ActiveProcesses() int { return len(r.st.Processes) }

func (r *runtime) FactCount() map[string]int64 {
	counts := make(map[string]int64)
	for _, f := range r.st.Facts {
		counts[f.Type]++
	}
	return counts
}

func (r *runtime) Marshal(codec engine.Codec) ([]byte, error) {
	if r.disposed {
		return nil, engine.ErrDisposed
	}
	switch codec {
	case engine.CodecBinary:
		r.st.Fingerprint = r.tpl.fingerprint
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(r.st); err != nil {
			return nil, fmt.Errorf("flow.Marshal: %w", err)
		}
		return buf.Bytes(), nil
	case engine.CodecPortable:
		b, err := json.Marshal(r.st)
		if err != nil {
			return nil, fmt.Errorf("flow.Marshal: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("flow.Marshal: %w: %q", engine.ErrUnknownCodec, codec)
	}
}

func (r *runtime) Dispose() {
	r.disposed = true
	r.st = &state{}
	r.agenda = nil
	clear(r.handlers)
}

// insert adds f to working memory and starts a process for every matching
// rule. Started processes run on the next drain.
func (r *runtime) insert(f fact) {
	r.st.Facts = append(r.st.Facts, f)

	rules := r.tpl.rules[f.Type]
	if len(rules) == 0 {
		return
	}
	var fields map[string]any
	_ = json.Unmarshal(f.Value, &fields)

	for _, rule := range rules {
		if !matches(rule.Where, fields) {
			continue
		}
		r.start(rule.Start, map[string]json.RawMessage{"fact": f.Value})
	}
}

func (r *runtime) start(def string, vars map[string]json.RawMessage) {
	p := &process{
		ID:   r.st.NextProcessID,
		Def:  def,
		Vars: vars,
	}
	r.st.NextProcessID++
	r.st.Processes = append(r.st.Processes, p)
	r.agenda = append(r.agenda, p)
}

func (r *runtime) drain() error {
	for n := 0; len(r.agenda) > 0; n++ {
		if n >= maxActivations {
			r.agenda = nil
			return ErrRunaway
		}
		p := r.agenda[0]
		r.agenda = r.agenda[1:]
		r.advance(p)
	}
	return nil
}

// advance runs p until it blocks on a task or a wait, or completes.
func (r *runtime) advance(p *process) {
	def := r.tpl.processes[p.Def]
	for p.Step < len(def.Steps) {
		step := def.Steps[p.Step]
		switch {
		case step.Task != "":
			r.startTask(p, step)
			return
		case step.Wait != "":
			p.WaitUntil = r.st.Clock.Add(r.tpl.waits[p.Def][p.Step])
			return
		case step.Insert != nil:
			value, err := json.Marshal(resolve(step.Insert.Value, p.Vars))
			if err != nil {
				log.Error().Err(err).Str("process", p.Def).Int("step", p.Step).Msg("flow: encode insert")
				value = json.RawMessage("null")
			}
			r.insert(fact{Type: step.Insert.Type, Value: value})
		}
		p.Step++
	}
	r.remove(p)
}

func (r *runtime) startTask(p *process, step StepDef) {
	p.TaskID = r.st.NextTaskID
	r.st.NextTaskID++

	h, ok := r.handlers[step.Task]
	if !ok {
		log.Warn().Str("task", step.Task).Int64("task_id", p.TaskID).Msg("flow: no handler registered")
		return
	}

	params, _ := resolve(step.Params, p.Vars).(map[string]any)
	h.ExecuteTask(engine.Task{
		ID:        p.TaskID,
		ProcessID: p.ID,
		Name:      step.Task,
		Params:    params,
	})
}

func (r *runtime) pending(taskID int64) (*process, StepDef, error) {
	for _, p := range r.st.Processes {
		steps := r.tpl.processes[p.Def].Steps
		if p.TaskID != taskID || taskID == 0 || p.Step >= len(steps) {
			continue
		}
		return p, steps[p.Step], nil
	}
	return nil, StepDef{}, fmt.Errorf("%w: %d", engine.ErrUnknownTask, taskID)
}

func (r *runtime) remove(p *process) {
	r.st.Processes = slices.DeleteFunc(r.st.Processes, func(q *process) bool { return q == p })
	r.agenda = slices.DeleteFunc(r.agenda, func(q *process) bool { return q == p })
}

// matches reports whether every where entry equals the same top-level field
// of the fact. Values compare by their JSON encoding.
func matches(where map[string]any, fields map[string]any) bool {
	for k, want := range where {
		got, ok := fields[k]
		if !ok {
			return false
		}
		a, errA := json.Marshal(want)
		b, errB := json.Marshal(got)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// resolve replaces "$name" strings with process variable name, and
// "$name.field" with a top-level field of it.
func resolve(v any, vars map[string]json.RawMessage) any {
	switch x := v.(type) {
	case string:
		if !strings.HasPrefix(x, "$") {
			return x
		}
		name, field, _ := strings.Cut(x[1:], ".")
		raw, ok := vars[name]
		if !ok {
			return x
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return x
		}
		if field == "" {
			return decoded
		}
		if m, ok := decoded.(map[string]any); ok {
			return m[field]
		}
		return nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = resolve(e, vars)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = resolve(e, vars)
		}
		return out
	default:
		return v
	}
}

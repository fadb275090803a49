package flow

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/gosuda/salient/internal/engine"
)

// Template is a compiled flow module. It is immutable and safe for
// concurrent use; every engine created from it shares it.
type Template struct {
	def         *Definition
	fingerprint string
	processes   map[string]*ProcessDef
	rules       map[string][]RuleDef // by fact type
	waits       map[string][]time.Duration
	tasks       []string
}

var _ engine.Template = (*Template)(nil)

// Compile validates def and builds its template.
func Compile(def *Definition) (*Template, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	canonical, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("flow.Compile: %w", err)
	}
	sum := sha256.Sum256(canonical)

	t := &Template{
		def:         def,
		fingerprint: def.ID() + "#" + hex.EncodeToString(sum[:8]),
		processes:   make(map[string]*ProcessDef, len(def.Processes)),
		rules:       make(map[string][]RuleDef),
		waits:       make(map[string][]time.Duration),
	}

	for i := range def.Processes {
		p := &def.Processes[i]
		t.processes[p.ID] = p
		waits := make([]time.Duration, len(p.Steps))
		for j, s := range p.Steps {
			if s.Wait != "" {
				waits[j], _ = time.ParseDuration(s.Wait) // checked by validate
			}
			if s.Task != "" && !slices.Contains(t.tasks, s.Task) {
				t.tasks = append(t.tasks, s.Task)
			}
		}
		t.waits[p.ID] = waits
	}
	slices.Sort(t.tasks)

	for _, r := range def.Rules {
		t.rules[r.When] = append(t.rules[r.When], r)
	}

	return t, nil
}

// MustCompile parses and compiles a YAML module, panicking on error. It is
// meant for modules embedded in the binary.
func MustCompile(src []byte) *Template {
	def, err := ParseBytes(src)
	if err != nil {
		panic(err)
	}
	t, err := Compile(def)
	if err != nil {
		panic(err)
	}
	return t
}

// ID returns the versioned module id.
func (t *Template) ID() string { return t.def.ID() }

func (t *Template) Fingerprint() string { return t.fingerprint }

func (t *Template) TaskNodes() []string { return slices.Clone(t.tasks) }

func (t *Template) NewEngine() (engine.Engine, error) {
	return newRuntime(t, &state{
		Module:        t.def.ID(),
		NextProcessID: 1,
		NextTaskID:    1,
	}), nil
}

// Restore rebuilds an engine from Marshal output. Binary state only restores
// into the template build that produced it. Portable state restores into any
// version of the module that still declares the referenced processes.
func (t *Template) Restore(codec engine.Codec, data []byte) (engine.Engine, error) {
	st := &state{}
	switch codec {
	case engine.CodecBinary:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(st); err != nil {
			return nil, fmt.Errorf("flow.Template.Restore: %w", err)
		}
		if st.Fingerprint != t.fingerprint {
			return nil, fmt.Errorf("flow.Template.Restore: %w: state of %s, template %s",
				engine.ErrIncompatibleState, st.Fingerprint, t.fingerprint)
		}
	case engine.CodecPortable:
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("flow.Template.Restore: %w", err)
		}
	default:
		return nil, fmt.Errorf("flow.Template.Restore: %w: %q", engine.ErrUnknownCodec, codec)
	}

	for _, p := range st.Processes {
		def, ok := t.processes[p.Def]
		if !ok {
			return nil, fmt.Errorf("flow.Template.Restore: %w: process %q not declared by %s",
				engine.ErrIncompatibleState, p.Def, t.def.ID())
		}
		if p.Step > len(def.Steps) {
			p.Step = len(def.Steps)
		}
	}
	st.Module = t.def.ID()
	st.repairCounters()

	return newRuntime(t, st), nil
}

// repairCounters moves the id counters past every live id. Portable state
// does not carry the process counter at all.
func (s *state) repairCounters() {
	for _, p := range s.Processes {
		if p.ID >= s.NextProcessID {
			s.NextProcessID = p.ID + 1
		}
		if p.TaskID >= s.NextTaskID {
			s.NextTaskID = p.TaskID + 1
		}
	}
	if s.NextProcessID < 1 {
		s.NextProcessID = 1
	}
	if s.NextTaskID < 1 {
		s.NextTaskID = 1
	}
}

// Package flow is a small deterministic rule/process engine used as the
// reference implementation of the engine boundary. A flow module declares
// rules that start processes when facts arrive; processes run steps that
// insert facts, wait on the pseudo clock, or hand work to async tasks.
package flow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gosuda/salient/internal/engine"
)

// ErrInvalidDefinition is returned when a module definition does not compile.
var ErrInvalidDefinition = errors.New("flow: invalid definition") //nolint:gochecknoglobals // sentinel error

// Definition is the source form of a flow module.
type Definition struct {
	Name      string       `yaml:"name"`
	Version   string       `yaml:"version"`
	Rules     []RuleDef    `yaml:"rules"`
	Processes []ProcessDef `yaml:"processes"`
}

// RuleDef starts process Start whenever a fact of type When arrives whose
// top-level fields equal every entry of Where.
type RuleDef struct {
	Name  string         `yaml:"name"`
	When  string         `yaml:"when"`
	Where map[string]any `yaml:"where,omitempty"`
	Start string         `yaml:"start"`
}

// ProcessDef is an ordered list of steps.
type ProcessDef struct {
	ID    string    `yaml:"id"`
	Steps []StepDef `yaml:"steps"`
}

// StepDef is exactly one of Task, Wait or Insert.
type StepDef struct {
	Task    string               `yaml:"task,omitempty"`
	Params  map[string]any       `yaml:"params,omitempty"`
	Outputs map[string]OutputDef `yaml:"outputs,omitempty"`
	// Catch names a process started when the task fails.
	Catch string `yaml:"catch,omitempty"`

	Wait string `yaml:"wait,omitempty"`

	Insert *InsertDef `yaml:"insert,omitempty"`
}

// OutputDef maps a task result field onto a typed process variable.
type OutputDef struct {
	Var  string         `yaml:"var"`
	Type engine.VarType `yaml:"type"`
}

// InsertDef is a fact a step adds to working memory.
type InsertDef struct {
	Type  string `yaml:"type"`
	Value any    `yaml:"value"`
}

// Parse decodes a YAML flow module.
func Parse(r io.Reader) (*Definition, error) {
	def := &Definition{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		return nil, fmt.Errorf("flow.Parse: %w", err)
	}
	return def, nil
}

// ParseBytes is Parse over a byte slice.
func ParseBytes(data []byte) (*Definition, error) {
	return Parse(bytes.NewReader(data))
}

// ID returns the versioned module id, e.g. "chat@1.0".
func (d *Definition) ID() string {
	return d.Name + "@" + d.Version
}

func (d *Definition) validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}

	procs := make(map[string]bool, len(d.Processes))
	for _, p := range d.Processes {
		if p.ID == "" {
			errs = append(errs, errors.New("process id is required"))
			continue
		}
		if procs[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate process %q", p.ID))
		}
		procs[p.ID] = true
	}

	for _, r := range d.Rules {
		if r.When == "" {
			errs = append(errs, fmt.Errorf("rule %q: when is required", r.Name))
		}
		if !procs[r.Start] {
			errs = append(errs, fmt.Errorf("rule %q: unknown process %q", r.Name, r.Start))
		}
	}

	for _, p := range d.Processes {
		for i, s := range p.Steps {
			if err := s.validate(procs); err != nil {
				errs = append(errs, fmt.Errorf("process %q step %d: %w", p.ID, i, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

func (s StepDef) validate(procs map[string]bool) error {
	kinds := 0
	if s.Task != "" {
		kinds++
	}
	if s.Wait != "" {
		kinds++
		if _, err := time.ParseDuration(s.Wait); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}
	if s.Insert != nil {
		kinds++
		if s.Insert.Type == "" {
			return errors.New("insert: type is required")
		}
	}
	if kinds != 1 {
		return fmt.Errorf("want exactly one of task, wait, insert; got %d", kinds)
	}
	if s.Catch != "" && !procs[s.Catch] {
		return fmt.Errorf("catch: unknown process %q", s.Catch)
	}
	for field, out := range s.Outputs {
		if out.Var == "" {
			return fmt.Errorf("output %q: var is required", field)
		}
		switch out.Type {
		case engine.VarString, engine.VarBool, engine.VarInt, engine.VarFloat, engine.VarObject, engine.VarAny, "":
		default:
			return fmt.Errorf("output %q: unknown type %q", field, out.Type)
		}
	}
	return nil
}

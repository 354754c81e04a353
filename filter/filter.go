// Package filter compiles command filter expressions (github.com/antonmedv/expr)
// that decide whether the presenter acts on a remote command, f.e.
//
//	Type != "open_present" && Age < 30000
package filter

import (
	"fmt"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/powerslides/protocol"
)

// Filter is a compiled filter. The zero value and nil accept every command.
type Filter struct {
	source  string
	program *vm.Program
}

// Compile compiles source. An empty source yields a filter that accepts
// everything.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return &Filter{}, nil
	}
	prog, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("could not compile filter %q: %w", source, err)
	}
	return &Filter{source: source, program: prog}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// NewEnv builds the environment for cmd against the last known state.
func NewEnv(cmd protocol.Command, state *protocol.StateSnapshot, now time.Time) Env {
	env := Env{
		ID:   cmd.ID,
		Type: string(cmd.Type),
		At:   cmd.At,
		From: cmd.From,
		Now:  now.UnixMilli(),
	}
	env.Age = env.Now - cmd.At
	if state != nil {
		if state.Current != nil {
			env.Current = *state.Current
		}
		if state.Total != nil {
			env.Total = *state.Total
		}
		if state.PresentationStartedAt != nil {
			env.StartedAt = *state.PresentationStartedAt
		}
	}
	return env
}

// Allow evaluates the filter. Evaluation errors reject the command.
func (f *Filter) Allow(env Env) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	res, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("could not run filter: %w", err)
	}
	ok, _ := res.(bool)
	return ok, nil
}

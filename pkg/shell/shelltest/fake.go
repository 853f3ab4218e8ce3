// Package shelltest provides a recording shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/shell"
)

// Invocation records one call made through the fake.
type Invocation struct {
	Kind    string // exec, su, script, spawn
	Su      string
	Command string
	Lines   []string
}

// Runner is a scripted shell.Runner. Handler, when set, produces the result
// for every invocation; otherwise calls succeed with empty output.
type Runner struct {
	mu      sync.Mutex
	calls   []Invocation
	Handler func(inv Invocation) (shell.Result, error)
}

func (r *Runner) record(inv Invocation) (shell.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	h := r.Handler
	r.mu.Unlock()
	if h == nil {
		return shell.Result{}, nil
	}
	return h(inv)
}

func (r *Runner) Exec(ctx context.Context, name string, args ...string) (shell.Result, error) {
	return r.record(Invocation{Kind: "exec", Command: strings.TrimSpace(name + " " + strings.Join(args, " "))})
}

func (r *Runner) Su(ctx context.Context, suPath, command string) (shell.Result, error) {
	return r.record(Invocation{Kind: "su", Su: suPath, Command: command})
}

func (r *Runner) SuScript(ctx context.Context, suPath string, lines []string) (shell.Result, error) {
	return r.record(Invocation{Kind: "script", Su: suPath, Lines: append([]string(nil), lines...)})
}

func (r *Runner) SpawnSuScript(ctx context.Context, suPath string, lines []string) (*shell.Session, error) {
	res, err := r.record(Invocation{Kind: "spawn", Su: suPath, Lines: append([]string(nil), lines...)})
	if err != nil {
		return nil, err
	}
	var out []string
	if res.Stdout != "" {
		out = strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	}
	return shell.NewSession(out, nil), nil
}

// Calls returns every recorded invocation.
func (r *Runner) Calls() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.calls...)
}

// CallsOf returns the invocations of one kind.
func (r *Runner) CallsOf(kind string) []Invocation {
	var out []Invocation
	for _, c := range r.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

var _ shell.Runner = (*Runner)(nil)

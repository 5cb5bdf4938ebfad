// Package module implements the Module external collaborator (spec §6)
// and the registry C3 dispatches through: a narrow `Interface` capability
// contract plus a small built-in catalogue sufficient to exercise every
// classification path the Task Evaluator defines.
//
// Grounded on pkg/helmexec/helmexec.go's `Interface` — one capability
// interface implemented by both the real execer and a test double under
// pkg/exectest — generalized from "the operations helm supports" to "the
// operations a configuration-management module supports".
package module

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adolago/rustible/pkg/concurrency"
	"gopkg.in/yaml.v2"
)

// Transport is the narrow capability a module needs from the connection
// layer: run one command on the target host and report its outcome. It is
// intentionally smaller than conn.Connection — modules never see pooling,
// reaping, or dial details.
type Transport interface {
	Run(ctx context.Context, command string) (stdout, stderr string, rc int, err error)
}

// Request is everything a module needs to execute once against one host.
type Request struct {
	Host      string
	Args      map[string]interface{}
	Scope     map[string]interface{} // full templated variable scope
	Transport Transport
	Check     bool // --check: report what would change, change nothing
	Diff      bool // --diff: populate Result.Diff when meaningful
}

// Result is a module's outcome for one host, the raw material C3
// classifies into Ok/Changed/Failed/Skipped/Unreachable (spec §4.3 step 7).
type Result struct {
	Changed    bool
	Failed     bool
	Skipped    bool
	SkipReason string
	Msg        string
	Facts      map[string]interface{} // set_fact / register-visible facts
	Vars       map[string]interface{} // include_vars-style bulk layer, merged at TierIncludeVars
	Stdout     string
	Stderr     string
	RC         int
	Diff       *Diff
}

// Diff is populated by modules that can report a before/after, consumed by
// the recap's --diff rendering.
type Diff struct {
	Before string
	After  string
}

// Interface is the contract every module implements.
type Interface interface {
	Name() string
	// ParallelizationSpec declares this module's dispatch constraint
	// (spec §4.4), consulted by the Parallelization Manager.
	ParallelizationSpec() concurrency.ModuleSpec
	// RequiredParams lists argument keys that must be present; if one is
	// missing, the evaluator returns a Failed result ("missing required
	// argument") without ever calling Execute.
	RequiredParams() []string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry resolves a module name to its Interface implementation.
type Registry struct {
	modules map[string]Interface
}

// NewRegistry returns a Registry pre-populated with the built-in catalogue.
func NewRegistry() *Registry {
	r := &Registry{modules: make(map[string]Interface)}
	for _, m := range []Interface{
		&Command{},
		&Debug{},
		&SetFact{},
		&Fail{},
		&WaitFor{},
		&Meta{},
		&Setup{},
		&IncludeVars{},
	} {
		r.Register(m)
	}
	return r
}

func (r *Registry) Register(m Interface) {
	r.modules[m.Name()] = m
}

func (r *Registry) Lookup(name string) (Interface, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Command runs an arbitrary shell command on the target host (spec's
// general-purpose escape hatch module). Fully parallel, no host coupling
// beyond the dispatch itself.
type Command struct{}

func (c *Command) Name() string { return "command" }
func (c *Command) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (c *Command) RequiredParams() []string { return []string{"_raw"} }

func (c *Command) Execute(ctx context.Context, req Request) (Result, error) {
	raw, _ := req.Args["_raw"].(string)
	if req.Check {
		return Result{Changed: true, Msg: fmt.Sprintf("would run: %s", raw)}, nil
	}
	stdout, stderr, rc, err := req.Transport.Run(ctx, raw)
	if err != nil {
		return Result{Failed: true, Msg: err.Error(), Stdout: stdout, Stderr: stderr, RC: rc}, nil
	}
	return Result{
		Changed: true,
		Failed:  rc != 0,
		Msg:     strings.TrimSpace(stdout),
		Stdout:  stdout,
		Stderr:  stderr,
		RC:      rc,
	}, nil
}

// Debug prints a message or the rendered value of a variable; it never
// reports Changed.
type Debug struct{}

func (d *Debug) Name() string { return "debug" }
func (d *Debug) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (d *Debug) RequiredParams() []string { return nil }

func (d *Debug) Execute(ctx context.Context, req Request) (Result, error) {
	if msg, ok := req.Args["msg"].(string); ok {
		return Result{Msg: msg}, nil
	}
	if varName, ok := req.Args["var"].(string); ok {
		v, ok := req.Scope[varName]
		if !ok {
			return Result{Msg: fmt.Sprintf("%s: VARIABLE IS NOT DEFINED!", varName)}, nil
		}
		return Result{Msg: fmt.Sprintf("%s: %v", varName, v)}, nil
	}
	return Result{Msg: ""}, nil
}

// SetFact registers the given key/value pairs as host facts (spec's
// variable-mutation escape hatch); the evaluator is responsible for
// writing Result.Facts into the runtime store at the fact tier.
type SetFact struct{}

func (s *SetFact) Name() string { return "set_fact" }
func (s *SetFact) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (s *SetFact) RequiredParams() []string { return nil }

func (s *SetFact) Execute(ctx context.Context, req Request) (Result, error) {
	facts := make(map[string]interface{}, len(req.Args))
	for k, v := range req.Args {
		facts[k] = v
	}
	return Result{Changed: len(facts) > 0, Facts: facts}, nil
}

// Fail unconditionally fails the task with the given message (spec's
// explicit user-assertion module). The evaluator classifies the outcome as
// an ordinary Failed result; it attaches no typed error kind.
type Fail struct{}

func (f *Fail) Name() string { return "fail" }
func (f *Fail) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (f *Fail) RequiredParams() []string { return nil }

func (f *Fail) Execute(ctx context.Context, req Request) (Result, error) {
	msg, _ := req.Args["msg"].(string)
	if msg == "" {
		msg = "Failed as requested from task"
	}
	return Result{Failed: true, Msg: msg}, nil
}

// WaitFor polls a condition (host reachability through the transport, in
// lieu of real socket/port probing which the transport abstraction does
// not expose) until it holds or a timeout elapses.
type WaitFor struct{}

func (w *WaitFor) Name() string { return "wait_for" }
func (w *WaitFor) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (w *WaitFor) RequiredParams() []string { return nil }

func (w *WaitFor) Execute(ctx context.Context, req Request) (Result, error) {
	timeout := 30 * time.Second
	if t, ok := req.Args["timeout"].(int); ok {
		timeout = time.Duration(t) * time.Second
	}
	probe, _ := req.Args["_raw"].(string)
	if probe == "" {
		probe = "true"
	}
	deadline := time.Now().Add(timeout)
	for {
		_, _, rc, err := req.Transport.Run(ctx, probe)
		if err == nil && rc == 0 {
			return Result{Changed: false, Msg: "condition met"}, nil
		}
		if time.Now().After(deadline) {
			return Result{Failed: true, Msg: "timed out waiting for condition"}, nil
		}
		select {
		case <-ctx.Done():
			return Result{Failed: true, Msg: "cancelled while waiting"}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Meta is the pseudo-module the Play Scheduler intercepts directly
// (`flush_handlers`, `end_play`, `end_host`, `clear_facts` — spec's
// supplemented meta actions); its Execute is never actually called in
// normal operation, but it is registered so a playbook author referencing
// `meta:` resolves to a known module rather than failing as an unknown one.
type Meta struct{}

func (m *Meta) Name() string { return "meta" }
func (m *Meta) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (m *Meta) RequiredParams() []string { return []string{"_raw"} }

func (m *Meta) Execute(ctx context.Context, req Request) (Result, error) {
	return Result{Changed: false, Msg: fmt.Sprintf("meta action %v is handled by the scheduler", req.Args["_raw"])}, nil
}

// Setup gathers a minimal fact set about the target host (spec's implicit
// gather_facts behaviour at play start). It runs a single probe command
// through the transport rather than a real facts subsystem, since the
// Transport capability exposes nothing richer than command execution.
type Setup struct{}

func (s *Setup) Name() string { return "setup" }
func (s *Setup) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (s *Setup) RequiredParams() []string { return nil }

func (s *Setup) Execute(ctx context.Context, req Request) (Result, error) {
	facts := map[string]interface{}{
		"ansible_hostname": req.Host,
	}
	stdout, _, rc, err := req.Transport.Run(ctx, "uname -s")
	if err == nil && rc == 0 {
		facts["ansible_system"] = strings.TrimSpace(stdout)
	}
	return Result{Changed: false, Facts: facts}, nil
}

// IncludeVars loads a YAML vars file and bulk-merges it into the calling
// host's variables at the IncludeVars tier (spec §3 precedence: above task
// vars, below set_fact). Grounded on pkg/state/envvals_loader.go's pattern
// of an injectable readFile func feeding a yaml.v2 unmarshal; ReadFile
// defaults to os.ReadFile and is overridden in tests.
type IncludeVars struct {
	ReadFile func(string) ([]byte, error)
}

func (i *IncludeVars) Name() string { return "include_vars" }
func (i *IncludeVars) ParallelizationSpec() concurrency.ModuleSpec {
	return concurrency.ModuleSpec{Hint: concurrency.FullyParallel}
}
func (i *IncludeVars) RequiredParams() []string { return []string{"file"} }

func (i *IncludeVars) Execute(ctx context.Context, req Request) (Result, error) {
	path, _ := req.Args["file"].(string)
	readFile := i.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, err := readFile(path)
	if err != nil {
		return Result{Failed: true, Msg: err.Error()}, nil
	}
	parsed := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Result{Failed: true, Msg: err.Error()}, nil
	}
	return Result{Changed: len(parsed) > 0, Vars: parsed}, nil
}

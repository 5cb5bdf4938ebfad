// Package engine wires the Host Selector, Runtime Store, Task Evaluator,
// Parallelization Manager, Play Scheduler, and Connection Pool together
// with the external collaborators (parser, inventory loader, callback
// dispatcher) into one top-level `Run` operation (spec §6).
//
// Grounded on pkg/app/app.go's `App`: one struct holding every
// collaborator, built once via `New`, exposing one method per top-level
// CLI operation.
package engine

import (
	"context"
	"fmt"

	"github.com/adolago/rustible/pkg/callback"
	"github.com/adolago/rustible/pkg/concurrency"
	"github.com/adolago/rustible/pkg/conn"
	"github.com/adolago/rustible/pkg/eval"
	"github.com/adolago/rustible/pkg/inventory"
	"github.com/adolago/rustible/pkg/module"
	"github.com/adolago/rustible/pkg/play"
	"github.com/adolago/rustible/pkg/template"
	"github.com/adolago/rustible/pkg/vars"
	"go.uber.org/zap"
)

// Options configures one Run invocation (spec §6 CLI surface).
type Options struct {
	Limit        string
	ExtraVars    map[string]interface{}
	Tags         []string
	SkipTags     []string
	Check        bool
	Diff         bool
	Verbosity    int
	Forks        int
	StartAtTask  string
	Step         bool
	PlanOnly     bool // --plan / --list-tasks / --list-hosts
}

// Engine owns every long-lived collaborator across a full playbook run.
type Engine struct {
	Inventory *inventory.Inventory
	Store     *vars.Store
	Registry  *module.Registry
	Templates *template.Engine
	Pool      *conn.Pool
	Bus       *callback.Bus
	Log       *zap.SugaredLogger

	EngineVersion string
}

// New builds an Engine from its collaborators; the zero value for Pool's
// dialer is supplied by callers since the transport implementation is
// environment-specific (SSH in production, a local/no-op dialer in tests).
func New(inv *inventory.Inventory, store *vars.Store, reg *module.Registry, tmpl *template.Engine, pool *conn.Pool, bus *callback.Bus, log *zap.SugaredLogger, engineVersion string) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if reg == nil {
		reg = module.NewRegistry()
	}
	if tmpl == nil {
		tmpl = template.New(nil)
	}
	if bus == nil {
		bus = callback.New(log)
	}
	return &Engine{Inventory: inv, Store: store, Registry: reg, Templates: tmpl, Pool: pool, Bus: bus, Log: log, EngineVersion: engineVersion}
}

// Run executes every play of pb against e.Inventory, returning the
// accumulated Recap; when a play aborts, it returns the Recap so far
// together with the error that stopped it (spec §6 `run <playbook>`).
func (e *Engine) Run(ctx context.Context, pb *play.Playbook, opts Options) (*Recap, error) {
	e.Bus.Dispatch(callback.PlaybookStart, map[string]interface{}{"plays": len(pb.Plays)})

	forks := opts.Forks
	if forks < 1 {
		forks = 5
	}

	for _, p := range pb.Plays {
		p.SkipTags = opts.SkipTags
		p.OnlyTags = opts.Tags

		limited := p.Hosts
		if opts.Limit != "" {
			limited = fmt.Sprintf("%s:&%s", p.Hosts, opts.Limit)
		}
		hosts, err := inventory.Resolve(limited, e.Inventory)
		if err != nil {
			return nil, err
		}

		e.Bus.Dispatch(callback.PlayStart, map[string]interface{}{"play": p.Name, "hosts": hosts})

		seedHostScope(e.Store, e.Inventory, hosts, p.Vars, opts.ExtraVars)

		conc := concurrency.New(forks)
		transport := e.transportResolver()
		evaluator := eval.New(e.Store, e.Inventory, e.Templates, e.Registry, conc, transport, eval.Options{
			Check: opts.Check, Diff: opts.Diff, Verbosity: opts.Verbosity,
		}, e.Log)
		evaluator.ExtraVars = opts.ExtraVars
		evaluator.PlayHosts = hosts
		evaluator.EngineVersion = e.EngineVersion

		sched := play.NewScheduler(e.Store, dispatcherWithCallbacks{evaluator, e.Bus}, e.Log)

		if gatherFacts(p) {
			setupTask := &play.Task{Name: "Gathering Facts", Module: "setup", Args: map[string]interface{}{}}
			for _, h := range hosts {
				if _, err := evaluator.Dispatch(ctx, h, setupTask); err != nil {
					e.Log.Warnw("fact gathering failed", "host", h, "error", err)
				}
			}
		}

		if err := sched.RunPlay(ctx, p, hosts); err != nil {
			e.Bus.Dispatch(callback.PlaybookEnd, map[string]interface{}{"error": err.Error()})
			return e.recap(pb), err
		}
	}

	recap := e.recap(pb)
	e.Bus.Dispatch(callback.PlayRecap, map[string]interface{}{"recap": recap})
	e.Bus.Dispatch(callback.PlaybookEnd, map[string]interface{}{})
	return recap, nil
}

func gatherFacts(p *play.Play) bool {
	return p.GatherFacts == nil || *p.GatherFacts
}

// dispatcherWithCallbacks wraps an eval.Evaluator so every dispatch also
// fires task-start/task-result/host-unreachable callback events, keeping
// that cross-cutting concern out of pkg/eval itself.
type dispatcherWithCallbacks struct {
	eval *eval.Evaluator
	bus  *callback.Bus
}

func (d dispatcherWithCallbacks) Dispatch(ctx context.Context, host string, t *play.Task) (play.Result, error) {
	if t == nil {
		return play.Result{}, nil
	}
	d.bus.Dispatch(callback.TaskStart, map[string]interface{}{"host": host, "task": t.Name})
	res, err := d.eval.Dispatch(ctx, host, t)
	reported := res
	if t.NoLog {
		// spec §7: a no_log task's callback payload redacts its msg just like
		// its registered value does, so no event subscriber can recover the
		// real module output through the recap/callback path instead.
		reported.Msg = "VALUE_SPECIFIED_IN_NO_LOG_PARAMETER"
		reported.Diff = nil
	}
	d.bus.Dispatch(callback.TaskResult, map[string]interface{}{"host": host, "task": t.Name, "result": reported})
	if res.Status == vars.StatusUnreachable {
		d.bus.Dispatch(callback.HostUnreachable, map[string]interface{}{"host": host})
	}
	return res, err
}

// transportResolver is the default production resolver: it acquires a
// pooled connection and adapts conn.Connection into module.Transport. A
// concrete Connection implementation must additionally satisfy an
// exec-capable interface; callers wire that in via e.Pool's Dialer. The
// guard is released by the returned func once the caller (the evaluator's
// dispatchOnce) is done issuing the module against this transport, so the
// entry's idle clock restarts when the dispatch ends. The pool keeps one
// connection per (host, auth) and hands that same connection to every
// concurrent Acquire; holding the guard does not make it exclusive.
func (e *Engine) transportResolver() eval.TransportResolver {
	return func(ctx context.Context, host string) (module.Transport, func(), error) {
		if e.Pool == nil {
			return nil, nil, fmt.Errorf("no connection pool configured for host %q", host)
		}
		guard, err := e.Pool.Acquire(ctx, host, "default")
		if err != nil {
			return nil, nil, err
		}
		t, ok := guard.Conn.(module.Transport)
		if !ok {
			guard.Release()
			return nil, nil, fmt.Errorf("connection for host %q does not implement module.Transport", host)
		}
		return t, guard.Release, nil
	}
}

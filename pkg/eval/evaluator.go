// Package eval implements the Task Evaluator (spec §4.3, component C3):
// scope construction, when/loop/argument rendering, module dispatch,
// result classification, until/retries, register, notify, and stats.
//
// Grounded on pkg/state/state_exec_tmpl.go (building a per-release
// template scope layered from environment defaults and values files) for
// the scope-construction shape, and pkg/app/run.go's per-release dispatch
// loop (call out, inspect the result, decide changed/failed, record it)
// for Dispatch's overall control flow.
package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/adolago/rustible/pkg/concurrency"
	"github.com/adolago/rustible/pkg/inventory"
	"github.com/adolago/rustible/pkg/module"
	"github.com/adolago/rustible/pkg/play"
	"github.com/adolago/rustible/pkg/template"
	"github.com/adolago/rustible/pkg/vars"
	"github.com/davecgh/go-spew/spew"
	"github.com/r3labs/diff"
	"go.uber.org/zap"
)

// TransportResolver maps a host name (or delegate_to target) to the
// module.Transport used to execute commands on it, establishing the
// underlying connection via the caller's pool if needed. The returned
// release func must be called once the caller is done with the transport
// (e.g. a pool guard's Release); dispatchOnce holds it open across the
// whole module dispatch.
type TransportResolver func(ctx context.Context, host string) (module.Transport, func(), error)

// Options configures an Evaluator instance (spec's --check/--diff/-v flags,
// §6).
type Options struct {
	Check     bool
	Diff      bool
	Verbosity int // 0-4, -vvvv enables scope dumps
}

// Evaluator implements play.Dispatcher.
type Evaluator struct {
	Store      *vars.Store
	Inventory  *inventory.Inventory
	Templates  *template.Engine
	Registry   *module.Registry
	Concurrency *concurrency.Manager
	Transport  TransportResolver
	Opts       Options
	Log        *zap.SugaredLogger

	// PlayHosts is the current play's resolved active host list, bound as
	// ansible_play_hosts/play_hosts in every task's scope.
	PlayHosts []string
	// ExtraVars is the top-level tier-15 override map (spec §4.2), applied
	// over everything else in every scope.
	ExtraVars map[string]interface{}
	// EngineVersion is exposed for parity with the playbook parser's
	// min_engine_version gate; not otherwise used by scope construction.
	EngineVersion string
}

func New(store *vars.Store, inv *inventory.Inventory, tmpl *template.Engine, reg *module.Registry, conc *concurrency.Manager, transport TransportResolver, opts Options, log *zap.SugaredLogger) *Evaluator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Evaluator{
		Store: store, Inventory: inv, Templates: tmpl, Registry: reg,
		Concurrency: conc, Transport: transport, Opts: opts, Log: log,
	}
}

// buildScope assembles the magic-variable-enriched scope for one task
// dispatch (spec §4.3's scope construction step), before loop/item binding.
func (e *Evaluator) buildScope(host string, t *play.Task) map[string]interface{} {
	scope := map[string]interface{}{}

	hv := e.Store.Hostvars(host)
	for k, v := range hv {
		scope[k] = v
	}

	groups := map[string][]string{}
	groupNames := []string{}
	if e.Inventory != nil {
		for name := range e.Inventory.Groups {
			groups[name] = e.Inventory.GroupMembers(name)
		}
		if h, ok := e.Inventory.Hosts[host]; ok {
			groupNames = h.Groups
		}
	}

	allHostvars := map[string]interface{}{}
	if e.Store != nil {
		for _, h := range e.Store.AllHostNames() {
			allHostvars[h] = e.Store.Hostvars(h)
		}
	}

	scope["inventory_hostname"] = host
	scope["inventory_hostname_short"] = shortName(host)
	scope["ansible_host"] = host
	scope["groups"] = groups
	scope["group_names"] = groupNames
	scope["hostvars"] = allHostvars
	scope["play_hosts"] = e.PlayHosts
	scope["ansible_play_hosts"] = e.PlayHosts
	scope["ansible_check_mode"] = e.Opts.Check
	scope["ansible_diff_mode"] = e.Opts.Diff

	for k, v := range t.Vars {
		scope[k] = v
	}
	for k, v := range e.ExtraVars {
		scope[k] = v
	}
	return scope
}

func shortName(host string) string {
	for i, c := range host {
		if c == '.' {
			return host[:i]
		}
	}
	return host
}

// Dispatch implements play.Dispatcher.
func (e *Evaluator) Dispatch(ctx context.Context, host string, t *play.Task) (play.Result, error) {
	scope := e.buildScope(host, t)

	if t.When != "" {
		ok, err := e.Templates.EvalCondition(string(t.When), scope)
		if err != nil {
			return play.Result{Host: host, Task: t, Status: vars.StatusActive}, err
		}
		if !ok {
			e.Store.IncStat(host, func(s *vars.Stats) { s.Skipped++ })
			return play.Result{Host: host, Task: t, Status: vars.StatusActive, Skipped: true}, nil
		}
	}

	if e.Opts.Verbosity >= 4 {
		e.Log.Debugw("task scope", "host", host, "task", t.Name, "scope", spew.Sdump(redactIfNoLog(t, scope)))
	}

	var result play.Result
	if t.Loop != nil {
		result = e.dispatchLoop(ctx, host, t, scope)
	} else {
		result = e.dispatchOnce(ctx, host, t, scope, nil)
	}

	result = e.applyUntilRetry(ctx, host, t, scope, result)

	if t.Register != "" {
		registered := map[string]interface{}{
			"changed": result.Changed,
			"failed":  result.Status == vars.StatusFailed,
			"msg":     redactedMsg(t, result.Msg),
		}
		if result.Results != nil {
			iterResults := make([]interface{}, len(result.Results))
			for i, r := range result.Results {
				iterResults[i] = map[string]interface{}{
					"changed": r.Changed,
					"failed":  r.Status == vars.StatusFailed,
					"msg":     redactedMsg(t, r.Msg),
				}
			}
			registered["results"] = iterResults
		}
		e.Store.Register(host, t.Register, registered)
	}

	switch {
	case result.Status == vars.StatusFailed && t.IgnoreErrors:
		result.Ignored = true
		result.Status = vars.StatusActive
		e.Store.IncStat(host, func(s *vars.Stats) { s.Ignored++ })
	case result.Status == vars.StatusFailed:
		e.Store.Mark(host, vars.StatusFailed)
		e.Store.Set(host, "ansible_failed_task", t.Name, vars.TierSetFacts)
		e.Store.Set(host, "ansible_failed_result", result.Msg, vars.TierSetFacts)
		e.Store.IncStat(host, func(s *vars.Stats) { s.Failed++ })
	case result.Status == vars.StatusUnreachable:
		e.Store.Mark(host, vars.StatusUnreachable)
		e.Store.IncStat(host, func(s *vars.Stats) { s.Unreachable++ })
	case result.Skipped:
		// the `when`-false path above already incremented Skipped before
		// returning early; a loop-skip (empty loop) reaches here instead,
		// so it still needs counting.
		e.Store.IncStat(host, func(s *vars.Stats) { s.Skipped++ })
	default:
		if result.Changed {
			e.Store.IncStat(host, func(s *vars.Stats) { s.Changed++ })
		} else {
			e.Store.IncStat(host, func(s *vars.Stats) { s.OK++ })
		}
		if result.Changed {
			for _, notify := range t.Notify {
				e.Store.Notify(host, notify)
			}
		}
	}

	return result, nil
}

// redactedMsg returns msg unchanged, unless t.NoLog is set, in which case it
// returns the same generic placeholder redactIfNoLog uses — spec §7 requires
// a no_log task's registered value to expose only changed/failed and a
// generic msg, not the real module output, to anything downstream (other
// tasks, callbacks) that reads the registered variable.
func redactedMsg(t *play.Task, msg string) string {
	if !t.NoLog {
		return msg
	}
	return "VALUE_SPECIFIED_IN_NO_LOG_PARAMETER"
}

func redactIfNoLog(t *play.Task, scope map[string]interface{}) map[string]interface{} {
	if !t.NoLog {
		return scope
	}
	redacted := map[string]interface{}{}
	for k := range scope {
		redacted[k] = "VALUE_SPECIFIED_IN_NO_LOG_PARAMETER"
	}
	return redacted
}

func (e *Evaluator) dispatchLoop(ctx context.Context, host string, t *play.Task, scope map[string]interface{}) play.Result {
	rendered, err := e.Templates.RenderValue(t.Loop, scope, template.Strict)
	if err != nil {
		return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: err.Error()}
	}
	items, ok := rendered.([]interface{})
	if !ok {
		return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: "loop did not render to a list"}
	}
	if len(items) == 0 {
		// spec §8 boundary behaviour: "loop: []" skips with a specific
		// reason code, distinct from an ordinary `when`-false skip.
		return play.Result{Host: host, Task: t, Status: vars.StatusActive, Skipped: true, Msg: "empty loop"}
	}

	loopVar := "item"
	if lv, ok := t.LoopControl["loop_var"].(string); ok && lv != "" {
		loopVar = lv
	}

	agg := play.Result{Host: host, Task: t, Status: vars.StatusActive}
	for i, item := range items {
		iterScope := map[string]interface{}{}
		for k, v := range scope {
			iterScope[k] = v
		}
		iterScope[loopVar] = item
		iterScope["ansible_loop"] = map[string]interface{}{"index0": i, "index": i + 1, "first": i == 0, "last": i == len(items)-1}

		r := e.dispatchOnce(ctx, host, t, iterScope, item)
		agg.Results = append(agg.Results, r)
		if r.Changed {
			agg.Changed = true
		}
		if r.Status == vars.StatusFailed {
			agg.Status = vars.StatusFailed
			agg.Msg = r.Msg
			if !t.IgnoreErrors {
				break
			}
		}
		if r.Status == vars.StatusUnreachable {
			agg.Status = vars.StatusUnreachable
			agg.Msg = r.Msg
			break
		}
	}
	return agg
}

func (e *Evaluator) dispatchOnce(ctx context.Context, host string, t *play.Task, scope map[string]interface{}, loopItem interface{}) play.Result {
	mod, ok := e.Registry.Lookup(t.Module)
	if !ok {
		return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: fmt.Sprintf("module %q not found", t.Module)}
	}
	for _, required := range mod.RequiredParams() {
		if _, present := t.Args[required]; !present {
			return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: fmt.Sprintf("missing required argument %q for module %q", required, t.Module)}
		}
	}

	renderedArgsRaw, err := e.Templates.RenderValue(map[string]interface{}(t.Args), scope, template.Strict)
	if err != nil {
		return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: err.Error()}
	}
	renderedArgs, _ := renderedArgsRaw.(map[string]interface{})

	target := host
	if t.DelegateTo != "" {
		rt, err := e.Templates.Render(t.DelegateTo, scope, template.Strict)
		if err == nil {
			target = rt
		}
	}

	transport, releaseTransport, err := e.Transport(ctx, target)
	if err != nil {
		return play.Result{Host: host, Task: t, Status: vars.StatusUnreachable, Msg: err.Error()}
	}
	if releaseTransport != nil {
		defer releaseTransport()
	}

	spec := mod.ParallelizationSpec()
	guard, err := e.Concurrency.Acquire(ctx, t.Module, target, spec)
	if err != nil {
		return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: fmt.Sprintf("acquiring dispatch slot: %v", err)}
	}
	defer guard.Release()

	modResult, err := mod.Execute(ctx, module.Request{
		Host: target, Args: renderedArgs, Scope: scope, Transport: transport,
		Check: e.Opts.Check, Diff: e.Opts.Diff,
	})
	if err != nil {
		return play.Result{Host: host, Task: t, Status: vars.StatusFailed, Msg: err.Error()}
	}

	if len(modResult.Facts) > 0 {
		// set_fact targets the delegate host only when delegate_facts is
		// set; otherwise it always writes to the original host, never the
		// delegation target (spec §4.2 delegation rule, §8 invariant 8).
		factHost := host
		if t.DelegateTo != "" && t.DelegateFacts {
			factHost = target
		}
		for k, v := range modResult.Facts {
			e.Store.SetFact(factHost, k, v, true)
		}
	}

	if len(modResult.Vars) > 0 {
		e.Store.MergeVars(host, vars.TierIncludeVars, modResult.Vars)
	}

	changed := modResult.Changed
	if t.ChangedWhen != "" {
		ok, cerr := e.Templates.EvalCondition(string(t.ChangedWhen), withResult(scope, modResult))
		if cerr == nil {
			changed = ok
		}
	}

	failed := modResult.Failed
	if t.FailedWhen != "" {
		ok, ferr := e.Templates.EvalCondition(string(t.FailedWhen), withResult(scope, modResult))
		if ferr == nil {
			failed = ok
		}
	}

	// Classification order follows spec §4.3 step 7: failed_when (already
	// folded into `failed` above) outranks a module-signalled Skipped,
	// which in turn outranks plain Ok/Changed.
	status := vars.StatusActive
	skipped := false
	switch {
	case failed:
		status = vars.StatusFailed
	case modResult.Skipped:
		skipped = true
	}

	msg := modResult.Msg
	if skipped && msg == "" {
		msg = modResult.SkipReason
	}

	res := play.Result{Host: host, Task: t, Status: status, Changed: changed, Skipped: skipped, Msg: msg}
	if e.Opts.Diff && modResult.Diff != nil {
		res.Diff = computeDiff(modResult.Diff.Before, modResult.Diff.After)
	}
	return res
}

func withResult(scope map[string]interface{}, r module.Result) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range scope {
		out[k] = v
	}
	out["result"] = map[string]interface{}{
		"rc": r.RC, "stdout": r.Stdout, "stderr": r.Stderr, "changed": r.Changed, "failed": r.Failed,
	}
	return out
}

// computeDiff confirms there is an actual change worth reporting before
// building the recap's before/after pair; r3labs/diff's structural
// Changelog is the same mechanism pkg/state/chart_dependency.go uses to
// decide whether a dependency set changed, applied here to "did the
// module's before/after content change" instead.
func computeDiff(before, after string) *play.ResultDiff {
	changelog, err := diff.Diff(map[string]interface{}{"content": before}, map[string]interface{}{"content": after})
	if err == nil && len(changelog) == 0 {
		return nil
	}
	return &play.ResultDiff{Before: before, After: after}
}

// applyUntilRetry re-dispatches the task until t.Until holds or retries are
// exhausted (spec §4.3: until/retries/delay).
func (e *Evaluator) applyUntilRetry(ctx context.Context, host string, t *play.Task, scope map[string]interface{}, result play.Result) play.Result {
	if t.Until == "" {
		return result
	}
	attempts := 0
	for {
		ok, err := e.Templates.EvalCondition(t.Until, withStatus(scope, result))
		if err == nil && ok {
			return result
		}
		attempts++
		if attempts > t.Retries {
			return result
		}
		delay := time.Duration(t.Delay) * time.Second
		select {
		case <-ctx.Done():
			return result
		case <-time.After(delay):
		}
		if t.Loop != nil {
			result = e.dispatchLoop(ctx, host, t, scope)
		} else {
			result = e.dispatchOnce(ctx, host, t, scope, nil)
		}
	}
}

func withStatus(scope map[string]interface{}, r play.Result) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range scope {
		out[k] = v
	}
	out["result"] = map[string]interface{}{"changed": r.Changed, "failed": r.Status == vars.StatusFailed}
	return out
}

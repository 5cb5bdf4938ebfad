package play

import (
	"context"
	"fmt"

	"github.com/adolago/rustible/pkg/inventory"
	"github.com/adolago/rustible/pkg/vars"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is C3's narrow surface as seen by the scheduler: given a host
// and a task, run it (including when/loop/register/notify/stats, all of
// which are C3's concern) and report the aggregate outcome. Keeping this
// as an interface instead of importing pkg/eval avoids a cycle (pkg/eval
// imports pkg/play for the Task/Block/Handler types).
type Dispatcher interface {
	Dispatch(ctx context.Context, host string, t *Task) (Result, error)
}

// Scheduler implements C5 (spec §4.5): lockstep/free/host-pinned
// strategies over a play's active host set, handler flush, and the two
// fatality rules (any_errors_fatal, max_fail_percentage).
//
// Grounded on pkg/state/state_run.go's scatterGather/GroupReleasesByDependency
// pairing (bounded fan-out plus a pre-computed execution grouping),
// generalized from "groups of releases run one dependency-level at a time"
// to "batches of hosts run one task at a time".
type Scheduler struct {
	Store      *vars.Store
	Dispatcher Dispatcher
	Log        *zap.SugaredLogger

	skipTags map[string]bool
	onlyTags map[string]bool

	// runOnceResults caches the single dispatch outcome of a run_once task
	// across every serial batch of this play (spec §9 Open Question: once
	// per play, not once per batch), keyed by task identity.
	runOnceResults map[*Task]Result
}

// NewScheduler builds a Scheduler. A nil logger falls back to a no-op
// logger. One Scheduler is built fresh per play (see pkg/engine), so
// run_once bookkeeping naturally scopes to a single play.
func NewScheduler(store *vars.Store, d Dispatcher, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{Store: store, Dispatcher: d, Log: log, runOnceResults: map[*Task]Result{}}
}

// fatalErr signals any_errors_fatal: once raised for a play, no further
// batches run.
type fatalErr struct{ reason string }

func (e *fatalErr) Error() string { return e.reason }

// RunPlay executes one play against the given resolved host list,
// honoring serial batching (spec §4.1/§4.5).
func (s *Scheduler) RunPlay(ctx context.Context, p *Play, hosts []string) error {
	serial, err := inventory.ParseSerial(p.Serial)
	if err != nil {
		return err
	}
	batches := inventory.Batches(hosts, serial)
	if len(batches) == 0 {
		batches = [][]string{hosts}
	}

	handlerByName := map[string]*Handler{}
	handlerByTopic := map[string][]*Handler{}
	var handlerNames []string
	for _, h := range p.Handlers {
		handlerByName[h.Name] = h
		handlerNames = append(handlerNames, h.Name)
		for _, topic := range h.Listen {
			handlerByTopic[topic] = append(handlerByTopic[topic], h)
			handlerNames = append(handlerNames, topic)
		}
	}
	s.Store.SetKnownHandlers(handlerNames, false)
	s.skipTags, s.onlyTags = NormalizeTags(p.SkipTags, p.OnlyTags)

	strategy := p.Strategy
	if strategy == "" {
		strategy = StrategyLockstep
	}

	for _, batch := range batches {
		var runErr error
		switch strategy {
		case StrategyHostPinned:
			runErr = s.runHostPinned(ctx, p, batch, handlerByName, handlerByTopic)
		case StrategyFree:
			runErr = s.runFree(ctx, p, batch, handlerByName, handlerByTopic)
		default:
			runErr = s.runLockstep(ctx, p, batch, handlerByName, handlerByTopic)
		}
		if runErr != nil {
			return runErr
		}

		failedCount := 0
		for _, h := range batch {
			if st := s.Store.StatusOf(h); st == vars.StatusFailed || st == vars.StatusUnreachable {
				failedCount++
			}
		}
		if p.MaxFailPercent > 0 && inventory.BatchExceedsFailure(failedCount, len(batch), p.MaxFailPercent) {
			for _, h := range batch {
				if st := s.Store.StatusOf(h); st != vars.StatusFailed && st != vars.StatusUnreachable {
					s.Store.IncStat(h, func(stats *vars.Stats) { stats.Skipped++ })
				}
			}
			return &fatalErr{reason: fmt.Sprintf("play %q: batch failure rate exceeded max_fail_percentage=%d", p.Name, p.MaxFailPercent)}
		}
	}
	return nil
}

// runLockstep runs the play's blocks in declaration order, each block's
// tasks fanned out across every still-active host in the batch before the
// next task begins.
func (s *Scheduler) runLockstep(ctx context.Context, p *Play, batch []string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) error {
	for _, block := range p.Tasks {
		if err := s.runBlock(ctx, p, block, batch, handlerByName, handlerByTopic); err != nil {
			return err
		}
	}
	return s.flushHandlers(ctx, batch, handlerByName, handlerByTopic)
}

// runBlock runs one block's main tasks lockstep across activeHosts, then
// diverts any host that failed into the block's rescue tasks (lockstep
// among the diverted hosts only), then runs always for every host that
// is not Unreachable.
func (s *Scheduler) runBlock(ctx context.Context, p *Play, b *Block, activeHosts []string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) error {
	tasks := b.ToTasks()
	if len(tasks) == 0 && len(b.Rescue) == 0 && len(b.Always) == 0 {
		return nil
	}

	failed := map[string]bool{}
	live := append([]string{}, activeHosts...)

	for _, t := range tasks {
		if !s.taskSelectedByTags(t, b.Tags) {
			continue
		}
		live = s.filterReachable(live)
		if len(live) == 0 {
			break
		}
		if t.Module == "meta" {
			if err := s.handleMeta(ctx, p, t, live, handlerByName, handlerByTopic); err != nil {
				return err
			}
			continue
		}
		results, err := s.runTaskAcrossHosts(ctx, live, t)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Status == vars.StatusFailed {
				failed[r.Host] = true
			}
		}
		if p.AnyErrorsFatal {
			var trigger string
			for _, r := range results {
				if r.Status == vars.StatusFailed || r.Status == vars.StatusUnreachable {
					trigger = r.Host
				}
			}
			if trigger != "" {
				s.skipRestOfPlay(results)
				return &fatalErr{reason: fmt.Sprintf("play %q: any_errors_fatal triggered by host %q on task %q", p.Name, trigger, t.Name)}
			}
		}
	}

	if len(b.Rescue) > 0 {
		var rescueHosts []string
		for _, h := range live {
			if failed[h] {
				rescueHosts = append(rescueHosts, h)
			}
		}
		rescueHosts = s.filterReachable(rescueHosts)
		for _, t := range b.Rescue {
			if len(rescueHosts) == 0 {
				break
			}
			results, err := s.runTaskAcrossHosts(ctx, rescueHosts, t)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Status != vars.StatusFailed && r.Status != vars.StatusUnreachable {
					delete(failed, r.Host)
					s.Store.IncStat(r.Host, func(st *vars.Stats) { st.Rescued++ })
				}
			}
		}
	}

	if len(b.Always) > 0 {
		alwaysHosts := s.filterReachable(live)
		for _, t := range b.Always {
			if len(alwaysHosts) == 0 {
				break
			}
			if _, err := s.runTaskAcrossHosts(ctx, alwaysHosts, t); err != nil {
				return err
			}
		}
	}

	return nil
}

// taskSelectedByTags applies the -t/--skip-tags filter (spec §6) over a
// task's own tags plus its enclosing block's tags.
func (s *Scheduler) taskSelectedByTags(t *Task, blockTags []string) bool {
	if len(s.skipTags) == 0 && len(s.onlyTags) == 0 {
		return true
	}
	tags := append(append([]string{}, t.Tags...), blockTags...)
	for _, tag := range tags {
		if s.skipTags[tag] {
			return false
		}
	}
	if len(s.onlyTags) == 0 {
		return true
	}
	for _, tag := range tags {
		if s.onlyTags[tag] {
			return true
		}
	}
	return false
}

// skipRestOfPlay increments stats.Skipped once for every host in results
// still Active (spec §4.5: "A batch aborts by marking all still-Active
// hosts in that batch as Skipped for the remainder of the play"). It does
// not touch host status: an Active host that is merely skipped for the
// rest of the play is distinct from a Failed/Unreachable one (scenario
// S5's recap: "h1, h3: ok=1, skipped=1 (rest-of-play)").
func (s *Scheduler) skipRestOfPlay(results []Result) {
	for _, r := range results {
		if r.Status != vars.StatusFailed && r.Status != vars.StatusUnreachable {
			s.Store.IncStat(r.Host, func(st *vars.Stats) { st.Skipped++ })
		}
	}
}

func (s *Scheduler) filterReachable(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		if s.Store.StatusOf(h) != vars.StatusUnreachable {
			out = append(out, h)
		}
	}
	return out
}

// runTaskAcrossHosts fans dispatch of one task out across hosts,
// concurrency-bounded by the Dispatcher itself (which consults the
// Parallelization Manager), collecting every per-host Result.
func (s *Scheduler) runTaskAcrossHosts(ctx context.Context, hosts []string, t *Task) ([]Result, error) {
	if t.RunOnce {
		return s.runTaskOnce(ctx, hosts, t)
	}

	results := make([]Result, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			r, err := s.Dispatcher.Dispatch(gctx, h, t)
			results[i] = r
			if err != nil {
				s.Log.Debugw("task dispatch returned an error", "host", h, "task", t.Name, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTaskOnce implements run_once: the module is invoked exactly once per
// play (the first host seen across any batch), and the outcome is
// replicated — including register/stats/notify bookkeeping, which the
// single real dispatch does not perform for any host but the one it ran
// on — to every other host in hosts (spec §3 invariant, §9 Open Question).
func (s *Scheduler) runTaskOnce(ctx context.Context, hosts []string, t *Task) ([]Result, error) {
	if len(hosts) == 0 {
		return nil, nil
	}

	cached, done := s.runOnceResults[t]
	rest := hosts
	if !done {
		r, err := s.Dispatcher.Dispatch(ctx, hosts[0], t)
		if err != nil {
			s.Log.Debugw("task dispatch returned an error", "host", hosts[0], "task", t.Name, "error", err)
		}
		cached = r
		s.runOnceResults[t] = cached
		rest = hosts[1:]
	}
	for _, h := range rest {
		s.replicateRunOnce(h, t, cached)
	}

	results := make([]Result, len(hosts))
	for i, h := range hosts {
		rc := cached
		rc.Host = h
		results[i] = rc
	}
	return results, nil
}

// replicateRunOnce applies a run_once task's single outcome to host's
// register slot, stats counters, and notify queue, mirroring the
// bookkeeping the evaluator performs for the host it actually dispatched
// to (spec §3: "the result is replicated to all hosts for stats and
// register purposes").
func (s *Scheduler) replicateRunOnce(host string, t *Task, r Result) {
	if t.Register != "" {
		msg := r.Msg
		if t.NoLog {
			msg = "VALUE_SPECIFIED_IN_NO_LOG_PARAMETER"
		}
		s.Store.Register(host, t.Register, map[string]interface{}{
			"changed": r.Changed,
			"failed":  r.Status == vars.StatusFailed || r.Ignored,
			"msg":     msg,
		})
	}
	switch {
	case r.Ignored || (r.Status == vars.StatusFailed && t.IgnoreErrors):
		s.Store.IncStat(host, func(st *vars.Stats) { st.Ignored++ })
	case r.Status == vars.StatusFailed:
		s.Store.Mark(host, vars.StatusFailed)
		s.Store.IncStat(host, func(st *vars.Stats) { st.Failed++ })
	case r.Status == vars.StatusUnreachable:
		s.Store.Mark(host, vars.StatusUnreachable)
		s.Store.IncStat(host, func(st *vars.Stats) { st.Unreachable++ })
	case r.Skipped:
		s.Store.IncStat(host, func(st *vars.Stats) { st.Skipped++ })
	default:
		if r.Changed {
			s.Store.IncStat(host, func(st *vars.Stats) { st.Changed++ })
		} else {
			s.Store.IncStat(host, func(st *vars.Stats) { st.OK++ })
		}
		if r.Changed {
			for _, notify := range t.Notify {
				s.Store.Notify(host, notify)
			}
		}
	}
}

// handleMeta intercepts the supplemented meta pseudo-actions
// (flush_handlers/end_play/end_host/clear_facts) directly rather than
// dispatching them through C3.
func (s *Scheduler) handleMeta(ctx context.Context, p *Play, t *Task, hosts []string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) error {
	action, _ := t.Args["_raw"].(string)
	switch action {
	case "flush_handlers":
		return s.flushHandlers(ctx, hosts, handlerByName, handlerByTopic)
	case "end_play":
		return &fatalErr{reason: fmt.Sprintf("play %q ended via meta: end_play", p.Name)}
	case "end_host":
		for _, h := range hosts {
			s.Store.Mark(h, vars.StatusUnreachable)
		}
		return nil
	case "clear_facts":
		return nil
	default:
		return nil
	}
}

// flushHandlers drains every notified handler identifier across hosts,
// and runs each distinct notified handler lockstep across exactly the
// hosts that notified it.
func (s *Scheduler) flushHandlers(ctx context.Context, hosts []string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) error {
	notifiedHosts := map[string][]string{} // handler name -> hosts that notified it

	// ordered records the order handlers are first notified in, built
	// alongside notifiedHosts rather than by ranging the map afterward —
	// map iteration order is randomized in Go, which would violate spec
	// §5/§8's determinism guarantee ("handlers ... run in the order they
	// were first notified"). Handlers sharing a `listen` topic already
	// fire in declaration order because handlerByTopic's slices were built
	// by iterating p.Handlers in order.
	var ordered []string
	seen := map[string]bool{}
	for _, h := range hosts {
		for _, ident := range s.Store.DrainNotifications(h) {
			targets := resolveNotifyTarget(ident, handlerByName, handlerByTopic)
			for _, handler := range targets {
				notifiedHosts[handler.Name] = append(notifiedHosts[handler.Name], h)
				if !seen[handler.Name] {
					seen[handler.Name] = true
					ordered = append(ordered, handler.Name)
				}
			}
		}
	}

	var errs error
	for _, name := range ordered {
		handler := handlerByName[name]
		targets := s.filterReachable(notifiedHosts[name])
		if len(targets) == 0 {
			continue
		}
		results, err := s.runTaskAcrossHosts(ctx, targets, &handler.Task)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, r := range results {
			s.Log.Debugw("handler completed", "handler", name, "host", r.Host, "changed", r.Changed)
		}
	}
	return errs
}

func resolveNotifyTarget(ident string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) []*Handler {
	if h, ok := handlerByName[ident]; ok {
		return []*Handler{h}
	}
	return handlerByTopic[ident]
}

// runHostPinned runs the complete task list, including handler flush, for
// one host at a time before moving to the next.
func (s *Scheduler) runHostPinned(ctx context.Context, p *Play, batch []string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) error {
	for _, h := range batch {
		if err := s.runLockstep(ctx, p, []string{h}, handlerByName, handlerByTopic); err != nil {
			return err
		}
	}
	return nil
}

// runFree lets every host in the batch run the full task list
// independently and concurrently; the play's fork budget and
// host-exclusive guards inside the Dispatcher still bound actual
// concurrency.
func (s *Scheduler) runFree(ctx context.Context, p *Play, batch []string, handlerByName map[string]*Handler, handlerByTopic map[string][]*Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range batch {
		h := h
		g.Go(func() error {
			return s.runLockstep(gctx, p, []string{h}, handlerByName, handlerByTopic)
		})
	}
	return g.Wait()
}

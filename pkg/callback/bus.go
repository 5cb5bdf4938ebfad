// Package callback implements the Callback Dispatcher external
// collaborator (spec §6): a lifecycle event bus that fans
// playbook-start/play-start/task-start/task-result/handler-notify/
// handler-complete/play-recap/playbook-end/host-unreachable/fact-gathered
// events out to listeners. Listener errors are logged and swallowed — a
// misbehaving callback must never abort the run (spec §9).
//
// Grounded on pkg/event/bus.go's Bus.Trigger: events are named strings,
// each registered hook/listener is tried in order, and a per-listener
// failure is reported without unwinding the whole Trigger/Dispatch call.
package callback

import (
	"fmt"

	"go.uber.org/zap"
)

// Event names (spec §6).
const (
	PlaybookStart   = "playbook-start"
	PlayStart       = "play-start"
	TaskStart       = "task-start"
	TaskResult      = "task-result"
	HandlerNotify   = "handler-notify"
	HandlerComplete = "handler-complete"
	PlayRecap       = "play-recap"
	PlaybookEnd     = "playbook-end"
	HostUnreachable = "host-unreachable"
	FactGathered    = "fact-gathered"
)

// Listener observes one lifecycle event. Context carries event-specific
// payload (host name, task name, a Result, etc.) as plain key/value pairs,
// matching the loosely-typed `context map[string]interface{}` the teacher
// passes into its own Trigger.
type Listener func(event string, context map[string]interface{}) error

// namedListener lets Unregister target a specific registration.
type namedListener struct {
	name string
	fn   Listener
}

// Bus is the in-process callback dispatcher. It is safe to register
// listeners before a run starts; Dispatch itself is not goroutine-safe
// against concurrent Register/Unregister calls, matching the engine's
// single-threaded setup phase followed by a run phase that only dispatches.
type Bus struct {
	listeners map[string][]namedListener
	log       *zap.SugaredLogger
}

// New builds an empty Bus. A nil logger falls back to a no-op logger.
func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{listeners: make(map[string][]namedListener), log: log}
}

// Register attaches a named listener to one or more events.
func (b *Bus) Register(name string, events []string, fn Listener) {
	for _, evt := range events {
		b.listeners[evt] = append(b.listeners[evt], namedListener{name: name, fn: fn})
	}
}

// Unregister removes every listener registered under name.
func (b *Bus) Unregister(name string) {
	for evt, ls := range b.listeners {
		kept := ls[:0]
		for _, l := range ls {
			if l.name != name {
				kept = append(kept, l)
			}
		}
		b.listeners[evt] = kept
	}
}

// Dispatch fans evt out to every registered listener. A listener panic or
// returned error is logged and swallowed; Dispatch always returns after
// trying every listener, regardless of earlier failures (spec §9: "a
// failing callback must not abort the run").
func (b *Bus) Dispatch(event string, context map[string]interface{}) {
	for _, l := range b.listeners[event] {
		b.safeCall(event, l, context)
	}
}

func (b *Bus) safeCall(event string, l namedListener, context map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("callback panicked", "listener", l.name, "event", event, "recover", fmt.Sprint(r))
		}
	}()
	if err := l.fn(event, context); err != nil {
		b.log.Warnw("callback returned an error", "listener", l.name, "event", event, "error", err)
	}
}

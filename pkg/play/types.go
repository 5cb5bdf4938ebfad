// Package play implements the data model of spec §3 (Playbook, Play,
// Task, Block, Handler), YAML parsing of that model, and the Play
// Scheduler (spec §4.5, component C5): lockstep/free/host-pinned
// execution strategies, handler flush semantics, any_errors_fatal, and
// max_fail_percentage.
//
// Grounded on pkg/state/types.go's YAML-tagged struct style (ReleaseSpec,
// StateSpec) generalized from "a list of Helm releases with shared
// defaults" to "a list of plays, each a list of blocks of tasks".
package play

import (
	"strings"

	"github.com/adolago/rustible/pkg/vars"
)

// Condition is a `when`/`changed_when`/`failed_when` expression. YAML
// accepts either a single scalar expression or a list of expressions
// (spec §3: "when (list of expressions, AND-combined)"; changed_when/
// failed_when are "expression or list of expressions"); a list is folded
// into one parenthesized, AND-joined expression string so the rest of the
// engine only ever evaluates a single condition.
type Condition string

// UnmarshalYAML accepts either form and AND-combines a list.
func (c *Condition) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*c = Condition(single)
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*c = Condition(andCombine(list))
	return nil
}

func andCombine(exprs []string) string {
	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		parts = append(parts, "("+e+")")
	}
	return strings.Join(parts, " and ")
}

// Strategy selects C5's execution discipline for a play (spec §4.5).
type Strategy string

const (
	// StrategyLockstep runs each task to completion across the whole
	// active host set before starting the next task (the default).
	StrategyLockstep Strategy = "linear"
	// StrategyFree lets each host run ahead through the task list at its
	// own pace, bounded only by the fork budget.
	StrategyFree Strategy = "free"
	// StrategyHostPinned runs the complete task list for one host before
	// moving to the next host.
	StrategyHostPinned Strategy = "host_pinned"
)

// Playbook is an ordered list of plays.
type Playbook struct {
	MinEngineVersion string `yaml:"min_engine_version,omitempty"`
	Plays            []*Play `yaml:"plays"`
}

// Play groups tasks to run against a selected set of hosts.
type Play struct {
	Name     string   `yaml:"name"`
	Hosts    string   `yaml:"hosts"`
	Strategy Strategy `yaml:"strategy,omitempty"`
	Serial   interface{} `yaml:"serial,omitempty"`

	GatherFacts *bool `yaml:"gather_facts,omitempty"`

	AnyErrorsFatal   bool `yaml:"any_errors_fatal,omitempty"`
	MaxFailPercent   int  `yaml:"max_fail_percentage,omitempty"`

	Vars map[string]interface{} `yaml:"vars,omitempty"`

	Tasks    []*Block   `yaml:"tasks,omitempty"`
	Handlers []*Handler `yaml:"handlers,omitempty"`

	Tags       []string `yaml:"tags,omitempty"`
	SkipTags   []string `yaml:"-"`
	OnlyTags   []string `yaml:"-"`
}

// Block groups tasks under shared `when`/`vars`/rescue/always semantics
// (spec §3).
type Block struct {
	Name string `yaml:"name,omitempty"`

	Block  []*Task `yaml:"block,omitempty"`
	Rescue []*Task `yaml:"rescue,omitempty"`
	Always []*Task `yaml:"always,omitempty"`

	// Task is set instead of Block when this entry is a bare task rather
	// than an explicit block stanza; ToTasks below normalizes either shape
	// into a slice of *Task.
	Task *Task `yaml:"-"`

	When Condition              `yaml:"when,omitempty"`
	Vars map[string]interface{} `yaml:"vars,omitempty"`
	Tags []string               `yaml:"tags,omitempty"`
}

// IsBareTask reports whether this entry is a single task rather than an
// explicit block/rescue/always stanza.
func (b *Block) IsBareTask() bool {
	return len(b.Block) == 0 && b.Task != nil && b.Task.Module != ""
}

// Task is one module invocation against the play's active hosts.
type Task struct {
	Name   string                 `yaml:"name,omitempty"`
	Module string                 `yaml:"-"`
	Args   map[string]interface{} `yaml:"-"`

	When Condition `yaml:"when,omitempty"`

	Loop        interface{}            `yaml:"loop,omitempty"`
	LoopControl map[string]interface{} `yaml:"loop_control,omitempty"`

	Register string `yaml:"register,omitempty"`
	Notify   []string `yaml:"notify,omitempty"`

	Until   string `yaml:"until,omitempty"`
	Retries int    `yaml:"retries,omitempty"`
	Delay   int    `yaml:"delay,omitempty"`

	RunOnce        bool   `yaml:"run_once,omitempty"`
	DelegateTo     string `yaml:"delegate_to,omitempty"`
	DelegateFacts  bool   `yaml:"delegate_facts,omitempty"`

	IgnoreErrors bool      `yaml:"ignore_errors,omitempty"`
	FailedWhen   Condition `yaml:"failed_when,omitempty"`
	ChangedWhen  Condition `yaml:"changed_when,omitempty"`

	NoLog bool `yaml:"no_log,omitempty"`

	Tags []string `yaml:"tags,omitempty"`

	Vars map[string]interface{} `yaml:"vars,omitempty"`
}

// Handler is a Task that only runs when notified, identified by Name
// (spec §3: handler identity is its name, matched against notify targets;
// "topic" aliasing is additionally modeled via Listen).
type Handler struct {
	Task   `yaml:",inline"`
	Listen []string `yaml:"listen,omitempty"`
}

// Result carries one dispatch's outcome plus the scheduling metadata the
// scheduler and recap need.
//
// Status reflects the host's lifecycle contribution from this task
// (StatusFailed/StatusUnreachable drive any_errors_fatal and
// max_fail_percentage); Skipped/Ignored carry the finer classification
// spec §4.3 step 7 defines, which does not change host lifecycle status
// on its own.
type Result struct {
	Host    string
	Task    *Task
	Status  vars.Status
	Changed bool
	Skipped bool
	Ignored bool
	Msg     string
	Diff    *ResultDiff
	Error   error

	// Results holds one entry per loop iteration when Task.Loop is set;
	// nil for a non-looped dispatch. Registration exposes this under
	// "<name>.results" (spec §4.3 step 3).
	Results []Result
}

// ResultDiff mirrors module.Diff without pkg/play depending on pkg/module,
// keeping the data-model package leaf-level.
type ResultDiff struct {
	Before string
	After  string
}

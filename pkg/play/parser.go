package play

import (
	"fmt"
	"strings"

	rerrors "github.com/adolago/rustible/pkg/errors"
	"github.com/Masterminds/semver/v3"
	"github.com/variantdev/dag"
	yaml "gopkg.in/yaml.v2"
)

// directiveKeys are the task-stanza keys that are never a module name.
var directiveKeys = map[string]bool{
	"name": true, "when": true, "loop": true, "loop_control": true,
	"register": true, "notify": true, "until": true, "retries": true,
	"delay": true, "run_once": true, "delegate_to": true,
	"delegate_facts": true,
	"ignore_errors": true, "failed_when": true, "changed_when": true,
	"no_log": true, "tags": true, "vars": true,
	"block": true, "rescue": true, "always": true, "listen": true,
}

// UnmarshalYAML implements the Ansible-familiar task shape: directive keys
// are fixed, and the single remaining key is the module name, whose value
// is either a map of structured arguments or a free-form string (stored
// under the synthetic "_raw" argument key consumed by modules like
// command/wait_for).
func (t *Task) UnmarshalYAML(unmarshal func(interface{}) error) error {
	raw := map[string]interface{}{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	type alias Task
	var a alias
	if err := unmarshal(&a); err != nil {
		return err
	}
	*t = Task(a)

	for k, v := range raw {
		if directiveKeys[k] {
			continue
		}
		if t.Module != "" {
			return rerrors.New(rerrors.KindParse, "", "", "", fmt.Sprintf("task %q declares two modules: %q and %q", t.Name, t.Module, k), nil)
		}
		t.Module = k
		switch val := v.(type) {
		case map[interface{}]interface{}:
			t.Args = normalizeArgs(val)
		case map[string]interface{}:
			t.Args = val
		case string:
			t.Args = map[string]interface{}{"_raw": val}
		case nil:
			t.Args = map[string]interface{}{}
		default:
			t.Args = map[string]interface{}{"_raw": fmt.Sprintf("%v", val)}
		}
	}
	return nil
}

// UnmarshalYAML for Handler decodes the task part through Task's own
// decoder (which Handler would otherwise inherit and which skips `listen`
// as a directive key), then reads the handler's `listen` topics.
func (h *Handler) UnmarshalYAML(unmarshal func(interface{}) error) error {
	if err := h.Task.UnmarshalYAML(unmarshal); err != nil {
		return err
	}
	var extra struct {
		Listen []string `yaml:"listen,omitempty"`
	}
	if err := unmarshal(&extra); err != nil {
		return err
	}
	h.Listen = extra.Listen
	return nil
}

func normalizeArgs(in map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = v
	}
	return out
}

// UnmarshalYAML for Block distinguishes an explicit block/rescue/always
// stanza from a bare task entry living directly in a `tasks:` list.
func (b *Block) UnmarshalYAML(unmarshal func(interface{}) error) error {
	raw := map[string]interface{}{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	if _, hasBlock := raw["block"]; hasBlock {
		type alias Block
		var a alias
		if err := unmarshal(&a); err != nil {
			return err
		}
		*b = Block(a)
		return nil
	}

	var task Task
	if err := unmarshal(&task); err != nil {
		return err
	}
	*b = Block{Task: &task, When: task.When, Vars: task.Vars, Tags: task.Tags}
	return nil
}

// ToTasks returns a Block's ordered main task list for the scheduler to
// walk; a bare task block yields a single-entry slice holding that task.
// Rescue and Always are not included; callers read them from the Block.
func (b *Block) ToTasks() []*Task {
	if b.IsBareTask() {
		return []*Task{b.Task}
	}
	return b.Block
}

// Parse parses one playbook YAML document and validates the
// min_engine_version gate plus freedom from handler-notify cycles (spec §3,
// §9). The parser has no task-file include directive, so no include-cycle
// check is made.
func Parse(data []byte, engineVersion string) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, rerrors.NewParse("", 0, "parsing playbook YAML", err)
	}

	if pb.MinEngineVersion != "" && engineVersion != "" {
		constraint, err := semver.NewConstraint(">= " + pb.MinEngineVersion)
		if err != nil {
			return nil, rerrors.NewParse("", 0, "invalid min_engine_version constraint", err)
		}
		v, err := semver.NewVersion(engineVersion)
		if err != nil {
			return nil, rerrors.NewParse("", 0, "invalid engine version", err)
		}
		if !constraint.Check(v) {
			return nil, rerrors.New(rerrors.KindParse, "", "", "", fmt.Sprintf("playbook requires engine >= %s, running %s", pb.MinEngineVersion, engineVersion), nil)
		}
	}

	if err := detectHandlerNotifyCycles(&pb); err != nil {
		return nil, err
	}

	return &pb, nil
}

// detectHandlerNotifyCycles rejects a handler whose own tasks notify a
// chain of handlers that eventually notifies itself — an infinite-flush
// loop the scheduler would otherwise have to detect at run time. Uses
// variantdev/dag for the graph/cycle machinery rather than hand-rolling a
// second DFS (pkg/inventory/loader.go's detectGroupCycles already covers
// the simpler group-membership case with plain DFS; this one reuses the
// dag library since a handler-notify graph is exactly the dependency-DAG
// shape that package already models).
func detectHandlerNotifyCycles(pb *Playbook) error {
	for _, p := range pb.Plays {
		g := dag.New()
		names := map[string]bool{}
		for _, h := range p.Handlers {
			names[h.Name] = true
		}
		for _, h := range p.Handlers {
			var deps []string
			for _, n := range h.Notify {
				if names[n] {
					deps = append(deps, n)
				}
			}
			g.Add(h.Name, dag.Dependencies(deps))
		}
		if _, err := g.Plan(dag.SortOptions{}); err != nil {
			return rerrors.New(rerrors.KindParse, "", "", "", fmt.Sprintf("cyclic handler notification chain in play %q", p.Name), err)
		}
	}
	return nil
}

// NormalizeTags turns a play's declared tag filters into lookup sets; the
// scheduler (RunPlay) calls this once per play before the first batch.
func NormalizeTags(skip, only []string) (skipSet, onlySet map[string]bool) {
	skipSet = make(map[string]bool, len(skip))
	onlySet = make(map[string]bool, len(only))
	for _, t := range skip {
		skipSet[strings.TrimSpace(t)] = true
	}
	for _, t := range only {
		onlySet[strings.TrimSpace(t)] = true
	}
	return
}

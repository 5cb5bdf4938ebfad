// Package template implements the Template Engine external collaborator
// (spec §6): `render(template_string, scope) -> string`,
// `render_value(value, scope) -> value`, and `eval_condition(expr, scope)
// -> bool`.
//
// Grounded directly on pkg/tmpl/context_tmpl.go: sprig's func map layered
// with a small set of extra functions, two strictness modes depending on
// whether the caller can tolerate an undefined key, and `variantdev/vals`
// wired in for `vals://` secret lookups exactly as pkg/tmpl/expand_secret_ref.go
// wires it through pkg/plugins.ValsInstance.
package template

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"

	rerrors "github.com/adolago/rustible/pkg/errors"
	"github.com/Masterminds/sprig/v3"
	"github.com/variantdev/vals"
)

// Mode selects strictness. Strict is used for argument/value rendering,
// where an undefined variable is a template error (spec §9: "Two
// evaluation strictness modes: one where undefined variables are errors
// ... used for rendering task arguments"). Lenient is used for `when`
// condition evaluation, where Ansible-style truthiness on a missing
// variable quietly evaluates the branch to false instead of aborting the
// whole task (spec §9: "one where they coerce to a falsy boolean, used for
// when:").
type Mode int

const (
	Strict Mode = iota
	Lenient
)

// valsClient is the narrow surface of *vals.Runtime this package depends
// on, mirrored from pkg/tmpl/expand_secret_ref.go's valClient interface so
// tests can fake it without a live backend.
type valsClient interface {
	Eval(template map[string]interface{}) (map[string]interface{}, error)
}

var (
	valsOnce   sync.Once
	valsRT     valsClient
	valsRTErr  error
)

func defaultValsClient() (valsClient, error) {
	valsOnce.Do(func() {
		rt, err := vals.New(vals.Options{CacheSize: 512})
		valsRT, valsRTErr = rt, err
	})
	return valsRT, valsRTErr
}

// Engine renders Go templates over a variable scope, in the teacher's
// "one *template.Template factory per invocation, sprig funcs plus a few
// extras" style.
type Engine struct {
	vals valsClient
}

// New builds an Engine. A nil valsClient defers to the lazily-initialized
// package-level vals.Runtime singleton on first vals:// lookup.
func New(v valsClient) *Engine {
	return &Engine{vals: v}
}

func (e *Engine) valsClient() (valsClient, error) {
	if e.vals != nil {
		return e.vals, nil
	}
	return defaultValsClient()
}

func (e *Engine) funcMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["vals"] = func(path string) (string, error) {
		client, err := e.valsClient()
		if err != nil {
			return "", err
		}
		in := map[string]interface{}{"v": path}
		out, err := client.Eval(in)
		if err != nil {
			return "", err
		}
		v, _ := out["v"].(string)
		return v, nil
	}
	return fm
}

func (e *Engine) newTemplate(mode Mode) *template.Template {
	t := template.New("rustible").Funcs(e.funcMap())
	if mode == Strict {
		t = t.Option("missingkey=error")
	} else {
		t = t.Option("missingkey=zero")
	}
	return t
}

// Render implements `render(template_string, scope) -> string`.
func (e *Engine) Render(s string, scope map[string]interface{}, mode Mode) (string, error) {
	t, err := e.newTemplate(mode).Parse(s)
	if err != nil {
		return "", rerrors.New(rerrors.KindParse, "", "", "", "parsing template string", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, scope); err != nil {
		return "", rerrors.New(rerrors.KindArgument, "", "", "", "rendering template string", err)
	}
	return buf.String(), nil
}

// RenderValue implements `render_value(value, scope) -> value` (spec §4.3):
// strings are templated in place; maps and slices are walked recursively;
// every other type passes through unchanged.
func (e *Engine) RenderValue(v interface{}, scope map[string]interface{}, mode Mode) (interface{}, error) {
	switch tv := v.(type) {
	case string:
		if !looksLikeTemplate(tv) {
			return tv, nil
		}
		return e.Render(tv, scope, mode)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			rv, err := e.RenderValue(val, scope, mode)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, val := range tv {
			rv, err := e.RenderValue(val, scope, mode)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func looksLikeTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// EvalCondition implements `eval_condition(expr, scope) -> bool` (spec
// §4.3). Conditions are rendered in Lenient mode (undefined -> empty/zero
// rather than error) and the resulting text is coerced to a boolean using
// Ansible-familiar truthiness rules.
func (e *Engine) EvalCondition(expr string, scope map[string]interface{}) (bool, error) {
	wrapped := fmt.Sprintf("{{ if %s }}true{{ else }}false{{ end }}", expr)
	rendered, err := e.Render(wrapped, scope, Lenient)
	if err != nil {
		return false, rerrors.New(rerrors.KindCondition, "", "", "", fmt.Sprintf("evaluating condition %q", expr), err)
	}
	return truthy(strings.TrimSpace(rendered)), nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "", "false", "0", "no", "none", "null", "<no value>":
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return true
}

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVals struct {
	values map[string]string
}

func (f *fakeVals) Eval(in map[string]interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for k, v := range in {
		path, _ := v.(string)
		out[k] = f.values[path]
	}
	return out, nil
}

func TestRenderSubstitutesVariables(t *testing.T) {
	e := New(nil)
	out, err := e.Render("hello {{ .name }}", map[string]interface{}{"name": "world"}, Strict)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestRenderStrictErrorsOnMissingKey(t *testing.T) {
	e := New(nil)
	_, err := e.Render("{{ .missing }}", map[string]interface{}{}, Strict)
	assert.Error(t, err)
}

func TestRenderLenientToleratesMissingKey(t *testing.T) {
	e := New(nil)
	out, err := e.Render("[{{ .missing }}]", map[string]interface{}{}, Lenient)
	require.NoError(t, err)
	assert.Equal(t, "[<no value>]", out)
}

func TestRenderValueWalksNestedStructures(t *testing.T) {
	e := New(nil)
	scope := map[string]interface{}{"env": "prod"}
	in := map[string]interface{}{
		"plain":  "static",
		"nested": map[string]interface{}{"tag": "{{ .env }}"},
		"list":   []interface{}{"{{ .env }}", "other"},
	}
	out, err := e.RenderValue(in, scope, Strict)
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "static", m["plain"])
	assert.Equal(t, "prod", m["nested"].(map[string]interface{})["tag"])
	assert.Equal(t, []interface{}{"prod", "other"}, m["list"])
}

func TestEvalConditionTruthy(t *testing.T) {
	e := New(nil)
	scope := map[string]interface{}{"ok": true, "count": 0}
	ok, err := e.EvalCondition(".ok", scope)
	require.NoError(t, err)
	assert.True(t, ok)

	falsy, err := e.EvalCondition(".count", scope)
	require.NoError(t, err)
	assert.False(t, falsy)
}

func TestEvalConditionMissingVariableIsFalsy(t *testing.T) {
	e := New(nil)
	ok, err := e.EvalCondition(".nonexistent", map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValsFunctionLooksUpSecret(t *testing.T) {
	e := New(&fakeVals{values: map[string]string{"ref+echo://hi": "hi"}})
	out, err := e.Render(`{{ vals "ref+echo://hi" }}`, map[string]interface{}{}, Strict)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

package module

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	stdout string
	stderr string
	rc     int
	err    error
	calls  []string
}

func (f *fakeTransport) Run(ctx context.Context, command string) (string, string, int, error) {
	f.calls = append(f.calls, command)
	return f.stdout, f.stderr, f.rc, f.err
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"command", "debug", "set_fact", "fail", "wait_for", "meta", "include_vars"} {
		_, ok := r.Lookup(name)
		assert.Truef(t, ok, "expected %s to be registered", name)
	}
	_, ok := r.Lookup("nonexistent")
	assert.False(t, ok)
}

func TestCommandExecuteSuccess(t *testing.T) {
	c := &Command{}
	tr := &fakeTransport{stdout: "hi\n", rc: 0}
	res, err := c.Execute(context.Background(), Request{Args: map[string]interface{}{"_raw": "echo hi"}, Transport: tr})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Failed)
	assert.Equal(t, "hi", res.Msg)
}

func TestCommandExecuteNonZeroRCFails(t *testing.T) {
	c := &Command{}
	tr := &fakeTransport{rc: 1}
	res, err := c.Execute(context.Background(), Request{Args: map[string]interface{}{"_raw": "false"}, Transport: tr})
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

func TestCommandCheckModeDoesNotRun(t *testing.T) {
	c := &Command{}
	tr := &fakeTransport{}
	res, err := c.Execute(context.Background(), Request{Args: map[string]interface{}{"_raw": "rm -rf /tmp/x"}, Transport: tr, Check: true})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, tr.calls)
}

func TestDebugMsg(t *testing.T) {
	d := &Debug{}
	res, err := d.Execute(context.Background(), Request{Args: map[string]interface{}{"msg": "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Msg)
	assert.False(t, res.Changed)
}

func TestDebugVarUndefined(t *testing.T) {
	d := &Debug{}
	res, err := d.Execute(context.Background(), Request{Args: map[string]interface{}{"var": "missing"}, Scope: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Contains(t, res.Msg, "VARIABLE IS NOT DEFINED")
}

func TestSetFactReturnsFacts(t *testing.T) {
	s := &SetFact{}
	res, err := s.Execute(context.Background(), Request{Args: map[string]interface{}{"x": 1}})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.Facts["x"])
}

func TestFailAlwaysFails(t *testing.T) {
	f := &Fail{}
	res, err := f.Execute(context.Background(), Request{Args: map[string]interface{}{"msg": "boom"}})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "boom", res.Msg)
}

func TestWaitForSucceedsImmediately(t *testing.T) {
	w := &WaitFor{}
	tr := &fakeTransport{rc: 0}
	res, err := w.Execute(context.Background(), Request{Args: map[string]interface{}{"_raw": "true"}, Transport: tr})
	require.NoError(t, err)
	assert.False(t, res.Failed)
}

func TestWaitForTimesOut(t *testing.T) {
	w := &WaitFor{}
	tr := &fakeTransport{rc: 1, err: errors.New("not ready")}
	res, err := w.Execute(context.Background(), Request{Args: map[string]interface{}{"_raw": "false", "timeout": 1}, Transport: tr})
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

func TestIncludeVarsParsesYAMLFileIntoVars(t *testing.T) {
	iv := &IncludeVars{ReadFile: func(path string) ([]byte, error) {
		assert.Equal(t, "vars/extra.yml", path)
		return []byte("db:\n  host: db1\n  port: 5432\n"), nil
	}}
	res, err := iv.Execute(context.Background(), Request{Args: map[string]interface{}{"file": "vars/extra.yml"}})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	db, ok := res.Vars["db"].(map[interface{}]interface{})
	require.True(t, ok)
	assert.Equal(t, "db1", db["host"])
}

func TestIncludeVarsReadFailureFails(t *testing.T) {
	iv := &IncludeVars{ReadFile: func(path string) ([]byte, error) {
		return nil, errors.New("no such file")
	}}
	res, err := iv.Execute(context.Background(), Request{Args: map[string]interface{}{"file": "missing.yml"}})
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

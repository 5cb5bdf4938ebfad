package callback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchCallsRegisteredListener(t *testing.T) {
	b := New(nil)
	var got map[string]interface{}
	b.Register("recorder", []string{TaskResult}, func(event string, ctx map[string]interface{}) error {
		got = ctx
		return nil
	})
	b.Dispatch(TaskResult, map[string]interface{}{"host": "web1"})
	assert.Equal(t, "web1", got["host"])
}

func TestDispatchIgnoresUnregisteredEvents(t *testing.T) {
	b := New(nil)
	called := false
	b.Register("recorder", []string{TaskResult}, func(event string, ctx map[string]interface{}) error {
		called = true
		return nil
	})
	b.Dispatch(PlayStart, map[string]interface{}{})
	assert.False(t, called)
}

func TestDispatchSwallowsListenerError(t *testing.T) {
	b := New(nil)
	secondCalled := false
	b.Register("broken", []string{PlaybookEnd}, func(event string, ctx map[string]interface{}) error {
		return errors.New("boom")
	})
	b.Register("second", []string{PlaybookEnd}, func(event string, ctx map[string]interface{}) error {
		secondCalled = true
		return nil
	})
	assert.NotPanics(t, func() { b.Dispatch(PlaybookEnd, nil) })
	assert.True(t, secondCalled)
}

func TestDispatchRecoversListenerPanic(t *testing.T) {
	b := New(nil)
	secondCalled := false
	b.Register("panicky", []string{PlayRecap}, func(event string, ctx map[string]interface{}) error {
		panic("kaboom")
	})
	b.Register("second", []string{PlayRecap}, func(event string, ctx map[string]interface{}) error {
		secondCalled = true
		return nil
	})
	assert.NotPanics(t, func() { b.Dispatch(PlayRecap, nil) })
	assert.True(t, secondCalled)
}

func TestUnregisterRemovesAllEventsForName(t *testing.T) {
	b := New(nil)
	called := false
	b.Register("temp", []string{TaskStart, TaskResult}, func(event string, ctx map[string]interface{}) error {
		called = true
		return nil
	})
	b.Unregister("temp")
	b.Dispatch(TaskStart, nil)
	b.Dispatch(TaskResult, nil)
	assert.False(t, called)
}

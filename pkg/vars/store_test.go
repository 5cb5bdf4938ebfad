package vars

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecedenceSoundness(t *testing.T) {
	s := NewStore()
	s.Set("h1", "x", "from-inventory", TierInventoryHost)
	s.Set("h1", "x", "from-play", TierPlayVars)
	s.Set("h1", "x", "from-extra", TierExtraVars)

	v, ok := s.Get("h1", "x")
	require.True(t, ok)
	assert.Equal(t, "from-extra", v)

	s.Unset("h1", "x", TierExtraVars)
	v, ok = s.Get("h1", "x")
	require.True(t, ok)
	assert.Equal(t, "from-play", v, "unsetting the top tier must expose the next one down")
}

func TestExtraVarsAlwaysWin(t *testing.T) {
	s := NewStore()
	s.Set("h1", "k", "inventory", TierInventoryHost)
	s.Set("h1", "k", "role-default", TierRoleDefaults)
	s.Set("h1", "k", "extra", TierExtraVars)

	v, _ := s.Get("h1", "k")
	assert.Equal(t, "extra", v)
}

func TestRegisterCompleteness(t *testing.T) {
	s := NewStore()
	s.Register("h1", "r", map[string]interface{}{"changed": true})
	v, ok := s.Get("h1", "r")
	require.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, true, m["changed"])
}

func TestHandlerUniquenessPerFlush(t *testing.T) {
	s := NewStore()
	s.SetKnownHandlers([]string{"restart nginx"}, false)

	s.Notify("h1", "restart nginx")
	s.Notify("h1", "restart nginx")
	s.Notify("h1", "restart nginx")

	drained := s.DrainNotifications("h1")
	assert.Equal(t, []string{"restart nginx"}, drained)

	// a second flush sees an empty queue since it was drained.
	assert.Empty(t, s.DrainNotifications("h1"))
}

func TestNotifyUnknownHandlerIgnoredByDefault(t *testing.T) {
	s := NewStore()
	s.SetKnownHandlers(nil, false)
	ok := s.Notify("h1", "does not exist")
	assert.True(t, ok, "ignored, not an error, when errOnMissing is false")
	assert.Empty(t, s.DrainNotifications("h1"))
}

func TestNotifyUnknownHandlerErrorsWhenConfigured(t *testing.T) {
	s := NewStore()
	s.SetKnownHandlers(nil, true)
	ok := s.Notify("h1", "does not exist")
	assert.False(t, ok)
}

func TestStatusMonotonicity(t *testing.T) {
	s := NewStore()
	s.Mark("h1", StatusActive)
	assert.Equal(t, StatusActive, s.StatusOf("h1"))

	s.Mark("h1", StatusFailed)
	assert.Equal(t, StatusFailed, s.StatusOf("h1"))

	// Failed is sticky: a later Active transition must not revert it.
	s.Mark("h1", StatusActive)
	assert.Equal(t, StatusFailed, s.StatusOf("h1"))
}

func TestMergeVarsDeepMergesOverExistingMapAtSameName(t *testing.T) {
	s := NewStore()
	s.MergeVars("h1", TierIncludeVars, map[string]interface{}{
		"db": map[string]interface{}{"host": "db1", "port": 5432},
	})
	s.MergeVars("h1", TierIncludeVars, map[string]interface{}{
		"db": map[string]interface{}{"port": 5433},
	})

	v, ok := s.Get("h1", "db")
	require.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, "db1", m["host"], "second merge must not drop a key it didn't also set")
	assert.Equal(t, 5433, m["port"], "second merge overrides a key it does set")
}

func TestMergeVarsNonMapValueOverwritesDirectly(t *testing.T) {
	s := NewStore()
	s.MergeVars("h1", TierIncludeVars, map[string]interface{}{"x": 1})
	s.MergeVars("h1", TierIncludeVars, map[string]interface{}{"x": 2})
	v, ok := s.Get("h1", "x")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestNoTornReadsUnderConcurrentWrites(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("h1", "k", i, TierSetFacts)
			_, _ = s.Get("h1", "k")
			_ = s.Hostvars("h1")
		}(i)
	}
	wg.Wait()
	v, ok := s.Get("h1", "k")
	require.True(t, ok)
	_, isInt := v.(int)
	assert.True(t, isInt)
}

package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestInventory() *Inventory {
	inv := New()
	inv.AddHost(&Host{Name: "web1", Groups: []string{"web"}})
	inv.AddHost(&Host{Name: "web2", Groups: []string{"web"}})
	inv.AddHost(&Host{Name: "db1", Groups: []string{"db"}})
	inv.AddGroup(&Group{Name: "web", Hosts: []string{"web1", "web2"}})
	inv.AddGroup(&Group{Name: "db", Hosts: []string{"db1"}})
	inv.AddGroup(&Group{Name: "prod", Children: []string{"web", "db"}})
	return inv
}

func TestResolveUnion(t *testing.T) {
	inv := buildTestInventory()
	hosts, err := Resolve("web:db1", inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "web2", "db1"}, hosts)
}

func TestResolveIntersection(t *testing.T) {
	inv := buildTestInventory()
	hosts, err := Resolve("prod:&db", inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, hosts)
}

func TestResolveExclusion(t *testing.T) {
	inv := buildTestInventory()
	hosts, err := Resolve("prod:!web2", inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "db1"}, hosts)
}

func TestResolveGlob(t *testing.T) {
	inv := buildTestInventory()
	hosts, err := Resolve("web*", inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "web2"}, hosts)
}

func TestResolveEmptyPatternIsEmptySet(t *testing.T) {
	inv := buildTestInventory()
	hosts, err := Resolve("", inv)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestBatchesFixedSerial(t *testing.T) {
	hosts := []string{"a", "b", "c", "d", "e"}
	serial, err := ParseSerial(2)
	require.NoError(t, err)
	batches := Batches(hosts, serial)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"c", "d"}, batches[1])
	assert.Equal(t, []string{"e"}, batches[2])
}

func TestBatchesListSerialRepeatsLast(t *testing.T) {
	hosts := []string{"a", "b", "c", "d", "e", "f", "g"}
	serial, err := ParseSerial([]interface{}{1, 2})
	require.NoError(t, err)
	batches := Batches(hosts, serial)
	require.Len(t, batches, 4)
	assert.Len(t, batches[0], 1)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 2)
	assert.Len(t, batches[3], 2)
}

func TestParseSerialRejectsZeroOrNegative(t *testing.T) {
	_, err := ParseSerial(0)
	assert.Error(t, err)
	_, err = ParseSerial(-1)
	assert.Error(t, err)
}

func TestBatchExceedsFailure(t *testing.T) {
	assert.True(t, BatchExceedsFailure(2, 4, 40))  // 50% > 40%
	assert.False(t, BatchExceedsFailure(1, 4, 40)) // 25% <= 40%
}

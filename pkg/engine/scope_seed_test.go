package engine

import (
	"testing"

	"github.com/adolago/rustible/pkg/inventory"
	"github.com/adolago/rustible/pkg/vars"
)

func TestSeedHostScopePrecedence(t *testing.T) {
	inv := inventory.New()
	inv.Hosts["web1"] = &inventory.Host{Name: "web1", Groups: []string{"webservers", "all"}}
	inv.GroupVars["all"] = map[string]interface{}{"env": "dev", "region": "us-east-1"}
	inv.GroupVars["webservers"] = map[string]interface{}{"env": "staging", "port": 80}
	inv.HostVars["web1"] = map[string]interface{}{"env": "host-pinned"}

	store := vars.NewStore()
	seedHostScope(store, inv, []string{"web1"}, map[string]interface{}{"env": "play-level"}, map[string]interface{}{"env": "cli-override"})

	hv := store.Hostvars("web1")
	if hv["env"] != "cli-override" {
		t.Errorf("env = %#v, want extra-vars to win as the highest tier", hv["env"])
	}
	if hv["region"] != "us-east-1" {
		t.Errorf("region = %#v, want the all-group value to survive", hv["region"])
	}
	if hv["port"] != 80 {
		t.Errorf("port = %#v, want the webservers group value", hv["port"])
	}
}

func TestSeedHostScopeWithoutExtraVars(t *testing.T) {
	inv := inventory.New()
	inv.Hosts["db1"] = &inventory.Host{Name: "db1", Groups: []string{"all"}}
	inv.GroupVars["all"] = map[string]interface{}{"env": "dev"}

	store := vars.NewStore()
	seedHostScope(store, inv, []string{"db1"}, map[string]interface{}{"env": "play-level"}, nil)

	if got := store.Hostvars("db1")["env"]; got != "play-level" {
		t.Errorf("env = %#v, want play vars to win over group vars", got)
	}
}

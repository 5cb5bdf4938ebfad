package engine

import (
	"github.com/adolago/rustible/pkg/inventory"
	"github.com/adolago/rustible/pkg/vars"
)

// seedHostScope writes the lower/upper precedence tiers spec §4.2 defines
// that never flow through register/set_fact into the Runtime Store:
// inventory group vars ("all" then specific groups), inventory host vars,
// play vars, and extra-vars. Task-level vars stay a direct scope overlay
// in pkg/eval (evaluator.buildScope) since they must not leak from one
// task to the next the way a Store tier write would.
func seedHostScope(store *vars.Store, inv *inventory.Inventory, hosts []string, playVars, extraVars map[string]interface{}) {
	for _, h := range hosts {
		if inv != nil {
			if all, ok := inv.GroupVars["all"]; ok {
				for k, v := range all {
					store.Set(h, k, v, vars.TierInventoryGroupAll)
				}
			}
			if host, ok := inv.Hosts[h]; ok {
				for _, g := range host.Groups {
					if g == "all" {
						continue
					}
					for k, v := range inv.GroupVars[g] {
						store.Set(h, k, v, vars.TierInventoryGroupSpecific)
					}
				}
			}
			for k, v := range inv.HostVars[h] {
				store.Set(h, k, v, vars.TierInventoryHost)
			}
		}
		for k, v := range playVars {
			store.Set(h, k, v, vars.TierPlayVars)
		}
		for k, v := range extraVars {
			store.Set(h, k, v, vars.TierExtraVars)
		}
	}
}

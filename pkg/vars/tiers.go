package vars

// Tier is a variable precedence tier (spec §3 "Variable precedence"),
// lowest to highest. Block vars rank above role vars and below task vars,
// per the engine's resolution of the spec's Open Question on that point
// (DESIGN.md, decision 1).
type Tier int

const (
	TierRoleDefaults Tier = iota
	TierInventoryGroupAll
	TierInventoryGroupSpecific
	TierInventoryHost
	TierVarsFiles
	TierPlayVars
	TierRoleVars
	TierBlockVars
	TierTaskVars
	TierIncludeVars
	TierSetFacts
	TierRegistered
	TierRoleParams
	TierIncludeParams
	TierExtraVars
)

// String names a tier for diagnostics.
func (t Tier) String() string {
	names := [...]string{
		"role_defaults", "inventory_group_all", "inventory_group_specific",
		"inventory_host", "vars_files", "play_vars", "role_vars",
		"block_vars", "task_vars", "include_vars", "set_fact", "registered",
		"role_params", "include_params", "extra_vars",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return "unknown"
	}
	return names[t]
}

// Package inventory implements the Host Selector (spec §4.1, component C1)
// and the inventory data model of spec §3: hosts, a group graph, and the
// variables attached to each.
//
// The "union, then narrow by intersection, then narrow by exclusion" shape
// of pattern resolution mirrors helmfile's release selector/filter pass in
// pkg/state/release_filters.go, generalized from label-selector matching
// over releases to colon-separated pattern terms over hosts.
package inventory

// ConnectionKind names the transport a host expects (spec §3).
type ConnectionKind string

const (
	ConnLocal  ConnectionKind = "local"
	ConnSSH    ConnectionKind = "ssh"
	ConnDocker ConnectionKind = "docker"
)

// Host is one inventory entry.
type Host struct {
	Name    string
	Address string
	Port    int
	User    string
	KeyFile string

	Connection ConnectionKind

	BecomeDefault     bool
	BecomeMethod      string
	BecomeUser        string

	Groups []string // group names this host is a direct member of
}

// Group is a node of the inventory's group graph. Groups may contain
// hosts and other groups; cycles are forbidden (enforced at load time by
// the loader, see loader.go).
type Group struct {
	Name     string
	Hosts    []string
	Children []string // nested group names
	Vars     map[string]interface{}
}

// Inventory is the resolved set of hosts, groups, and the implicit `all`
// group, plus the variable values attached at each scope.
type Inventory struct {
	Hosts  map[string]*Host
	Groups map[string]*Group

	// declOrder preserves inventory declaration order, the tiebreaker
	// pattern resolution uses (spec §4.1 "Order within the result follows
	// inventory declaration order").
	declOrder []string

	HostVars  map[string]map[string]interface{}
	GroupVars map[string]map[string]interface{}
}

// New returns an empty Inventory with the implicit `all` group present.
func New() *Inventory {
	inv := &Inventory{
		Hosts:     make(map[string]*Host),
		Groups:    make(map[string]*Group),
		HostVars:  make(map[string]map[string]interface{}),
		GroupVars: make(map[string]map[string]interface{}),
	}
	inv.Groups["all"] = &Group{Name: "all"}
	return inv
}

// AddHost registers a host in declaration order. Re-adding a known host
// name is a no-op beyond merging groups, matching how static inventory
// sources commonly redeclare a host under multiple group stanzas.
func (inv *Inventory) AddHost(h *Host) {
	if existing, ok := inv.Hosts[h.Name]; ok {
		existing.Groups = mergeGroupNames(existing.Groups, h.Groups)
		return
	}
	inv.Hosts[h.Name] = h
	inv.declOrder = append(inv.declOrder, h.Name)
	all := inv.Groups["all"]
	if !contains(all.Hosts, h.Name) {
		all.Hosts = append(all.Hosts, h.Name)
	}
}

// AddGroup registers or merges a group definition.
func (inv *Inventory) AddGroup(g *Group) {
	existing, ok := inv.Groups[g.Name]
	if !ok {
		inv.Groups[g.Name] = g
		return
	}
	existing.Hosts = mergeGroupNames(existing.Hosts, g.Hosts)
	existing.Children = mergeGroupNames(existing.Children, g.Children)
	if existing.Vars == nil {
		existing.Vars = g.Vars
	}
}

// GroupMembers expands a group (transitively through child groups) into
// its full host set, order-preserving and de-duplicated. Cycles are
// assumed already rejected by the loader; GroupMembers defends against one
// anyway by tracking visited group names.
func (inv *Inventory) GroupMembers(groupName string) []string {
	visited := map[string]bool{}
	var out []string
	seen := map[string]bool{}
	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		g, ok := inv.Groups[name]
		if !ok {
			return
		}
		for _, h := range g.Hosts {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
		for _, c := range g.Children {
			walk(c)
		}
	}
	walk(groupName)
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func mergeGroupNames(a, b []string) []string {
	out := append([]string{}, a...)
	for _, x := range b {
		if !contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}

package inventory

import (
	"fmt"
	"os"

	rerrors "github.com/adolago/rustible/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Loader is the external collaborator of spec §6: "input: one or more
// sources (static text, directory, executable producing a JSON tree);
// output: an Inventory". The core only depends on this narrow interface;
// Static below is the one concrete implementation the engine ships with,
// analogous to helmfile depending on an abstract state loader while
// pkg/state/create.go provides the one it actually uses.
type Loader interface {
	Load(sources []string) (*Inventory, error)
}

// staticGroup is the YAML shape of one group stanza in a static inventory
// file.
type staticGroup struct {
	Hosts    map[string]map[string]interface{} `yaml:"hosts"`
	Vars     map[string]interface{}             `yaml:"vars"`
	Children map[string]staticGroup             `yaml:"children"`
}

type staticFile struct {
	All staticGroup `yaml:"all"`
}

// Static loads one or more YAML inventory files in the widely-used
// `all -> children -> {group: {hosts, vars, children}}` shape.
type Static struct {
	ReadFile func(string) ([]byte, error)
}

func NewStatic() *Static {
	return &Static{ReadFile: os.ReadFile}
}

func (l *Static) Load(sources []string) (*Inventory, error) {
	inv := New()
	for _, src := range sources {
		data, err := l.ReadFile(src)
		if err != nil {
			return nil, rerrors.NewParse(src, 0, "reading inventory source", err)
		}
		var f staticFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, rerrors.NewParse(src, 0, "parsing inventory YAML", err)
		}
		if err := mergeGroup(inv, "all", f.All); err != nil {
			return nil, err
		}
	}
	if err := detectGroupCycles(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func mergeGroup(inv *Inventory, name string, g staticGroup) error {
	group := &Group{Name: name, Vars: g.Vars}
	for hostName, hostVars := range g.Hosts {
		h := hostFromVars(hostName, hostVars)
		h.Groups = []string{name}
		inv.AddHost(h)
		group.Hosts = append(group.Hosts, hostName)
		if len(hostVars) > 0 {
			if inv.HostVars[hostName] == nil {
				inv.HostVars[hostName] = map[string]interface{}{}
			}
			for k, v := range hostVars {
				inv.HostVars[hostName][k] = v
			}
		}
	}
	for childName, child := range g.Children {
		group.Children = append(group.Children, childName)
		if err := mergeGroup(inv, childName, child); err != nil {
			return err
		}
	}
	inv.AddGroup(group)
	if len(g.Vars) > 0 {
		if inv.GroupVars[name] == nil {
			inv.GroupVars[name] = map[string]interface{}{}
		}
		for k, v := range g.Vars {
			inv.GroupVars[name][k] = v
		}
	}
	return nil
}

func hostFromVars(name string, vars map[string]interface{}) *Host {
	h := &Host{Name: name, Connection: ConnSSH, Port: 22}
	if v, ok := vars["ansible_host"].(string); ok {
		h.Address = v
	} else {
		h.Address = name
	}
	if v, ok := vars["ansible_port"].(int); ok {
		h.Port = v
	}
	if v, ok := vars["ansible_user"].(string); ok {
		h.User = v
	}
	if v, ok := vars["ansible_ssh_private_key_file"].(string); ok {
		h.KeyFile = v
	}
	if v, ok := vars["ansible_connection"].(string); ok {
		h.Connection = ConnectionKind(v)
	}
	if v, ok := vars["ansible_become"].(bool); ok {
		h.BecomeDefault = v
	}
	if v, ok := vars["ansible_become_method"].(string); ok {
		h.BecomeMethod = v
	}
	if v, ok := vars["ansible_become_user"].(string); ok {
		h.BecomeUser = v
	}
	return h
}

// detectGroupCycles rejects a group graph that contains a cycle (spec §3
// "cycles forbidden"), using plain DFS coloring; the handler-notify cycle
// check in pkg/play/parser.go instead uses variantdev/dag. Neither package
// detects task-file include cycles: the parser has no include directive.
func detectGroupCycles(inv *Inventory) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(inv.Groups))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return rerrors.New(rerrors.KindInventory, "", "", "", fmt.Sprintf("cyclic group membership detected at %q", name), nil)
		case black:
			return nil
		}
		color[name] = gray
		if g, ok := inv.Groups[name]; ok {
			for _, c := range g.Children {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for name := range inv.Groups {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

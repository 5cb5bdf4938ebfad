// Package config implements the ambient configuration layer: a narrow
// Provider interface decoupling the engine from its CLI flag source,
// exactly as pkg/config.ConfigImpl wraps a *cli.Context in the teacher
// repo. urfave/cli is the concrete flag source; tests substitute a plain
// struct implementing the same interface instead of constructing a
// *cli.Context.
package config

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"
)

// Provider is everything cmd/ needs to read out of the parsed CLI
// invocation before building an engine.Options (spec §6's flag surface).
type Provider interface {
	Playbook() string
	Inventories() []string
	ExtraVars() []string
	Limit() string
	Tags() []string
	SkipTags() []string
	StartAtTask() string
	Step() bool
	Check() bool
	Diff() bool
	PlanOnly() bool
	Verbosity() int
	Become() bool
	BecomeMethod() string
	BecomeUser() string
	AskBecomePass() bool
	User() string
	PrivateKey() string
	AskVaultPass() bool
	VaultPasswordFile() string
	Forks() int
	LogLevel() string
	Quiet() bool
	NoColor() bool
}

// Impl wraps a *cli.Context, one accessor per flag, matching the teacher's
// ConfigImpl shape in pkg/config/config.go.
type Impl struct {
	c *cli.Context
}

// New builds an Impl from a urfave/cli context. Mirrors
// NewUrfaveCliConfigImpl's "wrap the context, validate positional args"
// shape, generalized to the single positional playbook-path argument.
func New(c *cli.Context) (Impl, error) {
	if c.NArg() > 1 {
		return Impl{}, fmt.Errorf("err: extraneous arguments: %s", strings.Join(c.Args()[1:], ", "))
	}
	return Impl{c: c}, nil
}

func (c Impl) Playbook() string {
	if c.c.NArg() > 0 {
		return c.c.Args().First()
	}
	return "playbook.yaml"
}

func (c Impl) Inventories() []string          { return c.c.GlobalStringSlice("inventory") }
func (c Impl) ExtraVars() []string            { return c.c.GlobalStringSlice("extra-vars") }
func (c Impl) Limit() string                  { return c.c.GlobalString("limit") }
func (c Impl) Tags() []string                 { return splitCSV(c.c.GlobalString("tags")) }
func (c Impl) SkipTags() []string             { return splitCSV(c.c.GlobalString("skip-tags")) }
func (c Impl) StartAtTask() string            { return c.c.GlobalString("start-at-task") }
func (c Impl) Step() bool                     { return c.c.GlobalBool("step") }
func (c Impl) Check() bool                    { return c.c.GlobalBool("check") }
func (c Impl) Diff() bool                     { return c.c.GlobalBool("diff") }
func (c Impl) PlanOnly() bool                 { return c.c.GlobalBool("plan") }
func (c Impl) Become() bool                   { return c.c.GlobalBool("become") }
func (c Impl) BecomeMethod() string           { return c.c.GlobalString("become-method") }
func (c Impl) BecomeUser() string             { return c.c.GlobalString("become-user") }
func (c Impl) AskBecomePass() bool            { return c.c.GlobalBool("ask-become-pass") }
func (c Impl) User() string                   { return c.c.GlobalString("user") }
func (c Impl) PrivateKey() string             { return c.c.GlobalString("private-key") }
func (c Impl) AskVaultPass() bool             { return c.c.GlobalBool("ask-vault-pass") }
func (c Impl) VaultPasswordFile() string      { return c.c.GlobalString("vault-password-file") }
func (c Impl) LogLevel() string               { return c.c.GlobalString("log-level") }
func (c Impl) Quiet() bool                    { return c.c.GlobalBool("quiet") }
func (c Impl) NoColor() bool                  { return c.c.GlobalBool("no-color") }

func (c Impl) Forks() int {
	if !c.c.GlobalIsSet("forks") {
		return 5
	}
	return c.c.GlobalInt("forks")
}

// Verbosity reads the highest of the -v/-vv/-vvv/-vvvv flags set, matching
// spec §6's "-v..-vvvv" surface.
func (c Impl) Verbosity() int {
	switch {
	case c.c.GlobalBool("vvvv"):
		return 4
	case c.c.GlobalBool("vvv"):
		return 3
	case c.c.GlobalBool("vv"):
		return 2
	case c.c.GlobalBool("v"):
		return 1
	default:
		return 0
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

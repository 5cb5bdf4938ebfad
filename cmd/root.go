// Package cmd assembles the §6 CLI surface: the primary `run <playbook>`
// command plus the `vault` and `inventory` auxiliary commands, urfave/cli
// flag wiring, and the zap logger construction. Grounded on
// cmd/root.go/main.go: RootCommand() builds one *cli.App, a Before hook
// configures logging from the global flags, and each verb is a
// cli.Command whose Action does the real work.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adolago/rustible/pkg/callback"
	"github.com/adolago/rustible/pkg/config"
	"github.com/adolago/rustible/pkg/conn"
	"github.com/adolago/rustible/pkg/engine"
	"github.com/adolago/rustible/pkg/inventory"
	"github.com/adolago/rustible/pkg/module"
	"github.com/adolago/rustible/pkg/play"
	"github.com/adolago/rustible/pkg/template"
	"github.com/adolago/rustible/pkg/transport"
	"github.com/adolago/rustible/pkg/vars"
	"github.com/adolago/rustible/pkg/vault"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	yaml "gopkg.in/yaml.v2"
)

// Version is set by -ldflags at build time, matching the teacher's
// package-level `var Version string` in main.go.
var Version = "dev"

var logger *zap.SugaredLogger

// RootCommand builds the top-level *cli.App (spec §6).
func RootCommand() *cli.App {
	app := cli.NewApp()
	app.Name = "rustible"
	app.Usage = "run configuration-management playbooks against an inventory of hosts"
	app.Version = Version
	app.EnableBashCompletion = true
	app.Before = configureLogging
	app.Flags = globalFlags()
	app.Commands = []cli.Command{
		runCommand(),
		vaultCommand(),
		inventoryCommand(),
	}
	// Bare invocation `rustible <playbook>` behaves like `rustible run
	// <playbook>`, the "single primary command" spec §6 describes.
	app.Action = func(c *cli.Context) error {
		return runAction(c)
	}
	return app
}

func configureLogging(c *cli.Context) error {
	level := c.GlobalString("log-level")
	if level == "" && c.GlobalBool("quiet") {
		level = "warn"
	}
	if level == "" {
		switch verbosityFromFlags(c) {
		case 0:
			level = "info"
		case 1:
			level = "info"
		default:
			level = "debug"
		}
	}
	var zlevel zapcore.Level
	if err := zlevel.Set(level); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), zlevel)
	logger = zap.New(core).Sugar()
	return nil
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringSliceFlag{Name: "inventory, i", Usage: "inventory source (repeatable)"},
		cli.StringSliceFlag{Name: "extra-vars, e", Usage: "extra variables, key=value or @file.yaml (repeatable, highest precedence)"},
		cli.StringFlag{Name: "limit, l", Usage: "further limit the resolved host pattern"},
		cli.StringFlag{Name: "tags, t", Usage: "only run tasks tagged with these (comma-separated)"},
		cli.StringFlag{Name: "skip-tags", Usage: "skip tasks tagged with these (comma-separated)"},
		cli.StringFlag{Name: "start-at-task", Usage: "start the play at the named task"},
		cli.BoolFlag{Name: "step", Usage: "confirm each task before running it"},
		cli.BoolFlag{Name: "check, c", Usage: "check mode: report what would change, change nothing"},
		cli.BoolFlag{Name: "diff", Usage: "show before/after diffs for changed tasks"},
		cli.BoolFlag{Name: "plan", Usage: "dry-run: print the planned dispatch tree without invoking any module"},
		cli.BoolFlag{Name: "v"}, cli.BoolFlag{Name: "vv"}, cli.BoolFlag{Name: "vvv"}, cli.BoolFlag{Name: "vvvv"},
		cli.BoolFlag{Name: "become, b", Usage: "run tasks with privilege escalation"},
		cli.StringFlag{Name: "become-method", Usage: "privilege escalation method"},
		cli.StringFlag{Name: "become-user", Usage: "user to become"},
		cli.BoolFlag{Name: "ask-become-pass, K", Usage: "prompt for the become password"},
		cli.StringFlag{Name: "user, u", Usage: "connect as this user"},
		cli.StringFlag{Name: "private-key", Usage: "SSH private key file"},
		cli.BoolFlag{Name: "ask-vault-pass", Usage: "prompt for the vault password"},
		cli.StringFlag{Name: "vault-password-file", Usage: "read the vault password from this file"},
		cli.IntFlag{Name: "forks, f", Value: 5, Usage: "maximum number of concurrent in-flight module dispatches"},
		cli.StringFlag{Name: "log-level", Usage: "set log level explicitly, overriding -v/--quiet"},
		cli.BoolFlag{Name: "quiet, q", Usage: "silence output (log-level warn)"},
		cli.BoolFlag{Name: "no-color", Usage: "disable colorized recap/diff output"},
	}
}

func verbosityFromFlags(c *cli.Context) int {
	switch {
	case c.GlobalBool("vvvv"):
		return 4
	case c.GlobalBool("vvv"):
		return 3
	case c.GlobalBool("vv"):
		return 2
	case c.GlobalBool("v"):
		return 1
	default:
		return 0
	}
}

func runCommand() cli.Command {
	return cli.Command{
		Name:      "run",
		Usage:     "run a playbook against an inventory",
		ArgsUsage: "<playbook>",
		Action:    runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.New(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	data, err := os.ReadFile(cfg.Playbook())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("reading playbook: %v", err), 2)
	}
	pb, err := play.Parse(data, Version)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("parsing playbook: %v", err), 2)
	}

	invSources := cfg.Inventories()
	if len(invSources) == 0 {
		invSources = []string{"inventory.yaml"}
	}
	inv, err := inventory.NewStatic().Load(invSources)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("loading inventory: %v", err), 2)
	}

	extraVars, err := resolveExtraVars(cfg.ExtraVars())
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	store := vars.NewStore()
	reg := module.NewRegistry()
	tmpl := template.New(nil)
	pool := conn.New(transport.NewLocalDialer(), 10*time.Minute, logger)
	bus := callback.New(logger)

	eng := engine.New(inv, store, reg, tmpl, pool, bus, logger, Version)

	opts := engine.Options{
		Limit:       cfg.Limit(),
		ExtraVars:   extraVars,
		Tags:        cfg.Tags(),
		SkipTags:    cfg.SkipTags(),
		Check:       cfg.Check(),
		Diff:        cfg.Diff(),
		Verbosity:   cfg.Verbosity(),
		Forks:       cfg.Forks(),
		StartAtTask: cfg.StartAtTask(),
		Step:        cfg.Step(),
		PlanOnly:    cfg.PlanOnly(),
	}

	recap, runErr := eng.Run(context.Background(), pb, opts)
	if recap != nil {
		fmt.Println(recap.Render(os.Stdout, c.GlobalBool("no-color")))
	}
	if recap != nil && recap.AnyUnreachable() {
		return cli.NewExitError("one or more hosts were unreachable", 4)
	}
	if recap != nil && recap.AnyFailed() {
		return cli.NewExitError("one or more hosts failed", 8)
	}
	if runErr != nil {
		return cli.NewExitError(runErr.Error(), 2)
	}
	return nil
}

func resolveExtraVars(raw []string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, item := range raw {
		if strings.HasPrefix(item, "@") {
			data, err := os.ReadFile(strings.TrimPrefix(item, "@"))
			if err != nil {
				return nil, fmt.Errorf("reading extra-vars file: %w", err)
			}
			m, err := parseExtraVarsYAML(data)
			if err != nil {
				return nil, err
			}
			for k, v := range m {
				out[k] = v
			}
			continue
		}
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid extra-vars entry %q, expected key=value or @file", item)
		}
		out[kv[0]] = coerceScalar(kv[1])
	}
	return out, nil
}

func parseExtraVarsYAML(data []byte) (map[string]interface{}, error) {
	raw := map[interface{}]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing extra-vars file: %w", err)
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[fmt.Sprint(k)] = v
	}
	return out, nil
}

func coerceScalar(s string) interface{} {
	if s == "true" || s == "false" {
		return s == "true"
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func vaultCommand() cli.Command {
	return cli.Command{
		Name:  "vault",
		Usage: "encrypt or decrypt vault-protected content",
		Subcommands: []cli.Command{
			{
				Name:      "encrypt",
				ArgsUsage: "<file>",
				Action:    vaultEncryptAction,
			},
			{
				Name:      "decrypt",
				ArgsUsage: "<file>",
				Action:    vaultDecryptAction,
			},
			{
				Name:      "encrypt-string",
				ArgsUsage: "<string>",
				Action:    vaultEncryptStringAction,
			},
		},
	}
}

func vaultPasswordSource(c *cli.Context) vault.PasswordSource {
	if f := c.GlobalString("vault-password-file"); f != "" {
		return vault.PasswordSource{Kind: vault.SourceFile, Value: f}
	}
	return vault.PasswordSource{Kind: vault.SourcePrompt}
}

func vaultEncryptAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: vault encrypt <file>", 2)
	}
	plaintext, err := os.ReadFile(c.Args().First())
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	pw, err := vaultPasswordSource(c).Resolve()
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	ciphertext, err := vault.New().Encrypt(plaintext, pw)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return os.WriteFile(c.Args().First(), ciphertext, 0600)
}

func vaultDecryptAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: vault decrypt <file>", 2)
	}
	ciphertext, err := os.ReadFile(c.Args().First())
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	plaintext, err := vault.New().Decrypt(ciphertext, vaultPasswordSource(c))
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return os.WriteFile(c.Args().First(), plaintext, 0600)
}

func vaultEncryptStringAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: vault encrypt-string <string>", 2)
	}
	pw, err := vaultPasswordSource(c).Resolve()
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	ciphertext, err := vault.New().Encrypt([]byte(c.Args().First()), pw)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	fmt.Printf("!vault |\n%s\n", ciphertext)
	return nil
}

func inventoryCommand() cli.Command {
	return cli.Command{
		Name:  "inventory",
		Usage: "inspect the resolved inventory",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "list", Usage: "print the inventory as a group/host JSON tree"},
		},
		Action: inventoryAction,
	}
}

func inventoryAction(c *cli.Context) error {
	sources := c.GlobalStringSlice("inventory")
	if len(sources) == 0 {
		sources = []string{"inventory.yaml"}
	}
	inv, err := inventory.NewStatic().Load(sources)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	if !c.Bool("list") {
		return cli.ShowCommandHelp(c, "inventory")
	}
	return printInventoryJSON(inv)
}

// printInventoryJSON renders the `--list` JSON shape spec §6 expects from
// an inventory loader: a group/host tree plus a flat hostvars map, the
// same overall document shape a static inventory file declares.
func printInventoryJSON(inv *inventory.Inventory) error {
	out := map[string]interface{}{}
	meta := map[string]interface{}{"hostvars": inv.HostVars}
	out["_meta"] = meta
	for name, g := range inv.Groups {
		entry := map[string]interface{}{}
		if len(g.Hosts) > 0 {
			entry["hosts"] = g.Hosts
		}
		if len(g.Children) > 0 {
			entry["children"] = g.Children
		}
		if len(g.Vars) > 0 {
			entry["vars"] = g.Vars
		}
		out[name] = entry
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

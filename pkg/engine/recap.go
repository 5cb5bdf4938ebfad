// Recap rendering: the per-play counters table spec §7 requires ("Failed
// hosts are listed per-play in the recap with counters"). Grounded on
// pkg/app/formatters.go's FormatAsTable (gosuri/uitable row-builder) for
// the table shape, and pkg/testhelper/diff.go's aryann/difflib usage for
// the --diff unified-line rendering handed up from pkg/eval's before/after
// pair (DESIGN.md "Stdlib-justified pieces").
package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/adolago/rustible/pkg/play"
	"github.com/adolago/rustible/pkg/vars"
	"github.com/aryann/difflib"
	"github.com/gosuri/uitable"
	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-isatty"
)

// HostRecap is one host's final stats plus status for the play recap table.
type HostRecap struct {
	Host   string
	Stats  vars.Stats
	Status vars.Status
}

// Recap is the accumulated playbook-end summary (spec §7 "recap with
// counters").
type Recap struct {
	Hosts []HostRecap
}

// recap snapshots every host the Store has touched into a Recap, in
// deterministic (sorted) host-name order so repeated runs produce
// byte-identical recap output.
func (e *Engine) recap(pb *play.Playbook) *Recap {
	names := e.Store.AllHostNames()
	sort.Strings(names)
	r := &Recap{Hosts: make([]HostRecap, 0, len(names))}
	for _, h := range names {
		r.Hosts = append(r.Hosts, HostRecap{
			Host:   h,
			Stats:  e.Store.StatsOf(h),
			Status: e.Store.StatusOf(h),
		})
	}
	return r
}

// AnyFailed reports whether any host in the recap ended Failed (exit code 8,
// spec §6).
func (r *Recap) AnyFailed() bool {
	for _, h := range r.Hosts {
		if h.Status == vars.StatusFailed || h.Stats.Failed > 0 {
			return true
		}
	}
	return false
}

// AnyUnreachable reports whether any host ended Unreachable (exit code 4,
// spec §6).
func (r *Recap) AnyUnreachable() bool {
	for _, h := range r.Hosts {
		if h.Status == vars.StatusUnreachable || h.Stats.Unreachable > 0 {
			return true
		}
	}
	return false
}

// Render formats the recap as a uitable, matching the column layout
// FormatAsTable uses for release listings: one header row, one data row
// per entity, colorized when the destination is a real terminal, the same
// aurora.NewAurora(bool)-gated-by-isatty split yamldiff.go's newFormatter
// uses.
func (r *Recap) Render(w *os.File, noColor bool) string {
	au := aurora.NewAurora(!noColor && isatty.IsTerminal(w.Fd()))

	table := uitable.New()
	table.AddRow("HOST", "OK", "CHANGED", "UNREACHABLE", "FAILED", "SKIPPED", "RESCUED", "IGNORED")
	for _, h := range r.Hosts {
		s := h.Stats
		table.AddRow(
			h.Host,
			colorCount(au, s.OK, au.Green),
			colorCount(au, s.Changed, au.Yellow),
			colorCount(au, s.Unreachable, au.Red),
			colorCount(au, s.Failed, au.Red),
			colorCount(au, s.Skipped, au.Cyan),
			colorCount(au, s.Rescued, au.Magenta),
			colorCount(au, s.Ignored, au.Yellow),
		)
	}
	return table.String()
}

func colorCount(au aurora.Aurora, n int, paint func(interface{}) aurora.Value) string {
	s := fmt.Sprintf("%d", n)
	if n == 0 {
		return s
	}
	return paint(s).String()
}

// RenderDiff renders a unified before/after pair the way --diff output is
// shown for a changed task, using aryann/difflib the same way
// pkg/testhelper/diff.go does for structural test failure output.
func RenderDiff(before, after string) string {
	records := difflib.Diff(strings.Split(before, "\n"), strings.Split(after, "\n"))
	var b strings.Builder
	for _, rec := range records {
		switch rec.Delta {
		case difflib.RightOnly:
			b.WriteString("+ " + rec.Payload + "\n")
		case difflib.LeftOnly:
			b.WriteString("- " + rec.Payload + "\n")
		default:
			b.WriteString("  " + rec.Payload + "\n")
		}
	}
	return b.String()
}

package inventory

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	rerrors "github.com/adolago/rustible/pkg/errors"
)

// Resolve implements C1's `resolve(pattern, inventory) -> [Host]` (spec
// §4.1). The pattern is a colon-separated union of terms; each term is a
// literal host/group name, a glob, a `~regex`, an `&intersection`, or a
// `!exclusion`. Evaluation: union first, then intersections narrow it,
// then exclusions remove from it. Order follows inventory declaration
// order; duplicates are removed by first occurrence.
func Resolve(pattern string, inv *Inventory) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}

	terms := strings.Split(pattern, ":")

	var unionTerms []string
	var intersectTerms []string
	var excludeTerms []string

	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		switch {
		case strings.HasPrefix(term, "!"):
			excludeTerms = append(excludeTerms, term[1:])
		case strings.HasPrefix(term, "&"):
			intersectTerms = append(intersectTerms, term[1:])
		default:
			unionTerms = append(unionTerms, term)
		}
	}

	union, err := matchTerms(unionTerms, inv)
	if err != nil {
		return nil, err
	}

	if len(intersectTerms) > 0 {
		inter, err := matchTerms(intersectTerms, inv)
		if err != nil {
			return nil, err
		}
		interSet := toSet(inter)
		union = filterOrdered(union, func(h string) bool { return interSet[h] })
	}

	if len(excludeTerms) > 0 {
		excl, err := matchTerms(excludeTerms, inv)
		if err != nil {
			return nil, err
		}
		exclSet := toSet(excl)
		union = filterOrdered(union, func(h string) bool { return !exclSet[h] })
	}

	return dedupeInDeclOrder(union, inv), nil
}

func matchTerms(terms []string, inv *Inventory) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, term := range terms {
		switch {
		case term == "all" || term == "*":
			for _, h := range inv.declOrder {
				add(h)
			}
		case strings.HasPrefix(term, "~"):
			re, err := regexp.Compile(term[1:])
			if err != nil {
				return nil, rerrors.New(rerrors.KindInventory, "", "", "", "invalid regex pattern term", err)
			}
			for _, h := range inv.declOrder {
				if re.MatchString(h) {
					add(h)
				}
			}
		case isGlob(term):
			for _, h := range inv.declOrder {
				matched, _ := filepath.Match(term, h)
				if matched {
					add(h)
				}
			}
		default:
			if _, ok := inv.Hosts[term]; ok {
				add(term)
				continue
			}
			if _, ok := inv.Groups[term]; ok {
				for _, h := range inv.GroupMembers(term) {
					add(h)
				}
				continue
			}
			// neither a host nor a group: matches nothing, not an error
			// (a typo'd limit pattern should resolve to empty, not abort).
		}
	}
	return out, nil
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func filterOrdered(ss []string, keep func(string) bool) []string {
	var out []string
	for _, s := range ss {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func dedupeInDeclOrder(hosts []string, inv *Inventory) []string {
	set := toSet(hosts)
	var out []string
	for _, h := range inv.declOrder {
		if set[h] {
			out = append(out, h)
		}
	}
	return out
}

// Serial is a parsed `serial:` specification (spec §4.1).
type Serial struct {
	// Steps holds one entry per batch; the last entry repeats for any
	// remaining hosts. A nil/empty Steps means "single batch, all hosts".
	Steps []SerialStep
}

// SerialStep is either a fixed count or a percentage of the active host
// count at the time batches are computed.
type SerialStep struct {
	Count   int
	Percent bool
}

// ParseSerial parses one `serial:` scalar or list entry. `0` and negative
// values are a parse-time error (spec §8 boundary behaviour).
func ParseSerial(raw interface{}) (Serial, error) {
	switch v := raw.(type) {
	case nil:
		return Serial{}, nil
	case int:
		return parseSerialList([]interface{}{v})
	case string:
		return parseSerialList([]interface{}{v})
	case []interface{}:
		return parseSerialList(v)
	default:
		return Serial{}, rerrors.New(rerrors.KindParse, "", "", "", "serial must be an int, a percentage string, or a list of those", nil)
	}
}

func parseSerialList(items []interface{}) (Serial, error) {
	var s Serial
	for _, item := range items {
		step, err := parseSerialStep(item)
		if err != nil {
			return Serial{}, err
		}
		s.Steps = append(s.Steps, step)
	}
	return s, nil
}

func parseSerialStep(item interface{}) (SerialStep, error) {
	switch v := item.(type) {
	case int:
		if v <= 0 {
			return SerialStep{}, rerrors.New(rerrors.KindParse, "", "", "", "serial must be a positive integer or percentage", nil)
		}
		return SerialStep{Count: v}, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasSuffix(trimmed, "%") {
			n, err := strconv.Atoi(strings.TrimSuffix(trimmed, "%"))
			if err != nil || n <= 0 {
				return SerialStep{}, rerrors.New(rerrors.KindParse, "", "", "", "invalid serial percentage", err)
			}
			return SerialStep{Count: n, Percent: true}, nil
		}
		n, err := strconv.Atoi(trimmed)
		if err != nil || n <= 0 {
			return SerialStep{}, rerrors.New(rerrors.KindParse, "", "", "", "invalid serial value", err)
		}
		return SerialStep{Count: n}, nil
	default:
		return SerialStep{}, rerrors.New(rerrors.KindParse, "", "", "", "invalid serial entry type", nil)
	}
}

// Batches implements C1's `batches(hosts, serial, max_fail_pct) ->
// iterator of batch` (spec §4.1). Each batch is a contiguous, ordered
// slice of hosts.
func Batches(hosts []string, serial Serial) [][]string {
	if len(serial.Steps) == 0 {
		if len(hosts) == 0 {
			return nil
		}
		return [][]string{hosts}
	}

	total := len(hosts)
	var batches [][]string
	idx := 0
	stepIdx := 0
	for idx < total {
		step := serial.Steps[stepIdx]
		if stepIdx < len(serial.Steps)-1 {
			stepIdx++
		}
		n := step.Count
		if step.Percent {
			n = (total*step.Count + 99) / 100
			if n < 1 {
				n = 1
			}
		}
		if idx+n > total {
			n = total - idx
		}
		batches = append(batches, hosts[idx:idx+n])
		idx += n
	}
	return batches
}

// BatchExceedsFailure reports whether the fraction of hosts in batch whose
// status is Failed or Unreachable strictly exceeds maxFailPercent/100
// (spec §4.1).
func BatchExceedsFailure(failedOrUnreachable, batchSize int, maxFailPercent int) bool {
	if batchSize == 0 {
		return false
	}
	frac := float64(failedOrUnreachable) / float64(batchSize)
	return frac > float64(maxFailPercent)/100.0
}

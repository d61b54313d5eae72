package redact

import "sort"

// Scrubber applies a fixed set of secret-detection rules to plain
// strings — object-store error messages, descriptor dumps, poison-item
// diagnostics — before they are attached to a log record.
type Scrubber struct {
	rules []Rule
}

// NewScrubber builds a Scrubber from the built-in secret rules.
func NewScrubber() *Scrubber {
	return &Scrubber{rules: SecretRules()}
}

// Scrub returns s with every detected secret replaced by a
// "[REDACTED:<rule>]" marker. Overlapping matches resolve to earliest
// start, then longest, matching the teacher's replacement-ordering rule.
func (sc *Scrubber) Scrub(s string) string {
	if s == "" {
		return s
	}

	type replacement struct {
		start, end int
		text       string
	}

	var reps []replacement
	for _, rule := range sc.rules {
		for _, m := range rule.Detect(s) {
			reps = append(reps, replacement{m.Start, m.End, rule.Replacement(m)})
		}
	}
	if len(reps) == 0 {
		return s
	}

	sort.Slice(reps, func(i, j int) bool {
		if reps[i].start != reps[j].start {
			return reps[i].start < reps[j].start
		}
		return reps[i].end > reps[j].end
	})

	var out []byte
	pos := 0
	for _, rep := range reps {
		if rep.start < pos {
			continue
		}
		out = append(out, s[pos:rep.start]...)
		out = append(out, rep.text...)
		pos = rep.end
	}
	out = append(out, s[pos:]...)
	return string(out)
}

// defaultScrubber is shared by call sites that don't need a dedicated
// instance (the rule set carries no mutable state).
var defaultScrubber = NewScrubber()

// Scrub is a package-level convenience wrapping defaultScrubber.
func Scrub(s string) string {
	return defaultScrubber.Scrub(s)
}

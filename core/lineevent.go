package core

import "encoding/json"

// LineEvent is the narrow decode of one NDJSON line: only the fields the
// ingest controller acts on. It mirrors the "decode a raw shape, ignore
// the rest" technique the claude reader uses for full transcripts, cut
// down to the three fields this pipeline actually inspects.
type LineEvent struct {
	TS          *float64
	Type        string
	DetailGit   string
	DetailLabel string
}

// rawLineEvent is the on-wire shape. ts is deliberately untyped at the
// json.Number level so integers and floats both decode cleanly.
type rawLineEvent struct {
	TS     json.Number `json:"ts"`
	Type   string      `json:"type"`
	Detail struct {
		Git   string `json:"git"`
		Label string `json:"label"`
	} `json:"detail"`
}

// ParseLineEvent decodes line as JSON and extracts ts/type/detail. ok is
// false when the line is not a JSON object — the caller must still keep
// the raw bytes in the segment; only the side-effects of ts/type tracking
// are skipped (spec.md §7, ParseError).
func ParseLineEvent(line []byte) (LineEvent, bool) {
	var raw rawLineEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return LineEvent{}, false
	}

	ev := LineEvent{
		Type:        raw.Type,
		DetailGit:   raw.Detail.Git,
		DetailLabel: raw.Detail.Label,
	}
	if raw.TS != "" {
		if f, err := raw.TS.Float64(); err == nil {
			ev.TS = &f
		}
	}
	return ev, true
}

// Compacted reports whether this event should trigger a checkpoint.
func (e LineEvent) Compacted() bool {
	return e.Type == "compacted"
}

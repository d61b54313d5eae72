package clock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// uuidLike matches a UUID v4-shaped token (the form Claude Code and
// similar coding agents use for session file names), so a session id can
// be recovered from the source file name without the caller having to
// know the producing agent's exact naming convention.
var uuidLike = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// DeriveSessionID extracts a session id from sourcePath's file name when it
// contains a UUID-like token, falling back to a time-random token
// otherwise (spec.md §3, SessionId).
func DeriveSessionID(sourcePath string, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	if m := uuidLike.FindString(base); m != "" {
		return m
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), randHex(4))
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is effectively unrecoverable on any real
		// platform; fall back to a fixed marker rather than panicking so
		// id derivation never blocks startup.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}

// CheckpointID formats ts as the id-form timestamp, appending a numeric
// suffix (-2, -3, ...) when exists reports that the base id (or a prior
// suffixed candidate) is already taken. This resolves spec.md §9's open
// question on same-second compaction collisions.
func CheckpointID(ts time.Time, exists func(id string) bool) string {
	base := IDForm(ts)
	if !exists(base) {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !exists(candidate) {
			return candidate
		}
	}
}

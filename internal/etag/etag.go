// Package etag computes the short, deterministic tags used for conditional
// reads and writes. A tag is a truncated SHA-256 over length-prefixed fields,
// so equal logical state always yields an equal tag and field boundaries can
// never collide. All functions are pure.
package etag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// digestLen is the number of hex characters kept from the SHA-256 digest.
const digestLen = 16

func digest(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f))) //nolint:gosec // fields are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))[:digestLen]
}

// Record returns the tag for an investigation: "<version>-<digest>". The
// digest covers id, version and the salient mutable summary (stage, status,
// completion percent). The version prefix lets a writer that only holds a tag
// still be told which version it submitted.
func Record(inv model.Investigation) string {
	return strconv.FormatInt(inv.Version, 10) + "-" + digest(
		"record",
		inv.ID,
		strconv.FormatInt(inv.Version, 10),
		string(inv.Stage),
		inv.Status,
		strconv.Itoa(completionPercent(inv.Progress)),
	)
}

// RecordVersion extracts the version prefix from a record tag.
func RecordVersion(tag string) (int64, bool) {
	prefix, rest, ok := strings.Cut(tag, "-")
	if !ok || len(rest) != digestLen {
		return 0, false
	}
	v, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// Progress returns the tag for a progress view. It changes exactly when the
// record version or the completion percent changes.
func Progress(id string, version int64, percent int) string {
	return digest("progress", id, strconv.FormatInt(version, 10), strconv.Itoa(percent))
}

// Events returns the tag for one page of the event stream.
func Events(id, since, lastCursor string, count int, hasMore bool) string {
	return digest("events", id, since, lastCursor, strconv.Itoa(count), strconv.FormatBool(hasMore))
}

// Quote formats tag as an HTTP entity tag.
func Quote(tag string) string {
	return `"` + tag + `"`
}

// Unquote strips a weak prefix and surrounding quotes from an entity tag header value.
func Unquote(header string) string {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

// Matches reports whether tag appears in an If-None-Match style header,
// which may list several tags or "*".
func Matches(header, tag string) bool {
	for _, part := range strings.Split(header, ",") {
		v := Unquote(part)
		if v == "*" || v == tag {
			return true
		}
	}
	return false
}

func completionPercent(progress json.RawMessage) int {
	if len(progress) == 0 {
		return 0
	}
	var p struct {
		CompletionPercent int `json:"completion_percent"`
	}
	if err := json.Unmarshal(progress, &p); err != nil {
		return 0
	}
	return p.CompletionPercent
}

// Package cursor encodes and decodes monotonic pagination tokens of the form
// "<13-digit ms timestamp>_<6-digit sequence>".
//
// Tokens from one Generator sort lexicographically in generation order as long
// as the sequence stays within six digits. Past 999999 in a single millisecond
// the sequence widens, so callers must treat cursors as opaque.
package cursor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidCursor is returned by Parse for malformed input.
var ErrInvalidCursor = errors.New("cursor: invalid cursor")

const separator = "_"

// Cursor is a decoded token.
type Cursor struct {
	TimestampMS int64
	Sequence    int64
}

// String encodes c.
func (c Cursor) String() string {
	return fmt.Sprintf("%013d%s%06d", c.TimestampMS, separator, c.Sequence)
}

// Generator issues strictly increasing cursors. State is per instance;
// separate generators are not coordinated.
type Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastTS int64
	seq    int64
}

// NewGenerator returns a Generator reading the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock returns a Generator reading now. Used by tests.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns the next cursor value.
func (g *Generator) Next() Cursor {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli()
	// A clock step backwards keeps the previous timestamp so order holds.
	if ts <= g.lastTS {
		g.seq++
	} else {
		g.lastTS = ts
		g.seq = 0
	}
	return Cursor{TimestampMS: g.lastTS, Sequence: g.seq}
}

// Generate returns the next cursor as a string.
func (g *Generator) Generate() string {
	return g.Next().String()
}

// Parse decodes a cursor string. It fails with ErrInvalidCursor when s is
// empty, does not contain exactly one separator, or either part is not a
// non-negative integer.
func Parse(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	parts := strings.Split(s, separator)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("%w: want exactly one %q in %q", ErrInvalidCursor, separator, s)
	}
	ts, err := parseNonNegative(parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidCursor, err)
	}
	seq, err := parseNonNegative(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: sequence: %v", ErrInvalidCursor, err)
	}
	return Cursor{TimestampMS: ts, Sequence: seq}, nil
}

// parseNonNegative accepts only ASCII digits, so signs and blanks are rejected.
func parseNonNegative(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty component")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%q is not a non-negative integer", s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// Time is the cursor's timestamp as a UTC time.
func (c Cursor) Time() time.Time {
	return time.UnixMilli(c.TimestampMS).UTC()
}

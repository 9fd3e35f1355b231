// Package timestamp normalizes log timestamps to canonical UTC instants and renders them in a fixed display offset.
//
// Ingested timestamps must carry an explicit UTC offset ("Z" or "±HH:MM"). Naive local times are rejected,
// never assumed to be in any zone. Format and Parse are exact inverses for every instant.
package timestamp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultDisplayOffset is the offset used to render timestamps on read.
const DefaultDisplayOffset = "+05:00"

// Canonical instants are truncated to this precision, the finest both Postgres and SQLite keep.
const Precision = time.Microsecond

// displayLayout is RFC 3339 with a trimmed fractional second; Parse accepts everything it produces.
const displayLayout = time.RFC3339Nano

// naiveLayout matches ISO-8601 local times without an offset, as sent by older mobile clients.
const naiveLayout = "2006-01-02T15:04:05.999999999"

var (
	// ErrEmpty is returned when a timestamp string is empty.
	ErrEmpty = errors.New("timestamp is empty")
	// ErrMissingOffset is returned for well-formed timestamps that carry no UTC offset.
	ErrMissingOffset = errors.New("timestamp has no UTC offset")
	// ErrInvalidFormat is returned for strings that are not RFC 3339 timestamps.
	ErrInvalidFormat = errors.New("timestamp is not RFC 3339")
	// ErrOutOfRange is returned for instants whose display form would fall outside years 0000-9999.
	ErrOutOfRange = errors.New("timestamp is out of range")
)

// Normalizer converts between wire timestamps and canonical instants.
type Normalizer struct {
	display *time.Location
	now     func() time.Time
}

// New returns a Normalizer that renders timestamps in displayOffset (e.g. "+05:00").
// An empty displayOffset uses DefaultDisplayOffset.
func New(displayOffset string) (*Normalizer, error) {
	if strings.TrimSpace(displayOffset) == "" {
		displayOffset = DefaultDisplayOffset
	}
	loc, err := ParseOffset(displayOffset)
	if err != nil {
		return nil, err
	}
	return &Normalizer{display: loc, now: time.Now}, nil
}

// MustNew is New for constants known to be valid. It panics on error.
func MustNew(displayOffset string) *Normalizer {
	n, err := New(displayOffset)
	if err != nil {
		panic(err)
	}
	return n
}

// WithClock returns a copy of n that reads the current time from now.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	cp := *n
	cp.now = now
	return &cp
}

// ParseOffset parses "Z", "+HH:MM", or "-HH:MM" into a fixed zone.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "Z" || s == "+00:00" || s == "-00:00" {
		return time.UTC, nil
	}
	t, err := time.Parse("-07:00", s)
	if err != nil || len(s) != len("+00:00") {
		return nil, fmt.Errorf("timestamp: invalid UTC offset %q, want ±HH:MM", s)
	}
	_, secs := t.Zone()
	return time.FixedZone("UTC"+s, secs), nil
}

// DisplayLocation returns the fixed zone timestamps are rendered in.
func (n *Normalizer) DisplayLocation() *time.Location {
	return n.display
}

// Parse parses an offset-aware RFC 3339 timestamp and returns the instant in UTC.
// A space is accepted in place of the "T" separator. Sub-microsecond precision is kept;
// use Normalize for ingestion, which also truncates to Precision.
func (n *Normalizer) Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrEmpty
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	if _, naiveErr := time.Parse(naiveLayout, s); naiveErr == nil {
		return time.Time{}, ErrMissingOffset
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// Now returns the current canonical instant.
func (n *Normalizer) Now() time.Time {
	return n.now().UTC().Truncate(Precision)
}

// Normalize returns the canonical instant for an optional wire timestamp.
// A nil or blank ts is stamped with Now at the moment of the call. Instants that cannot be rendered
// in the display offset as a four-digit year are rejected with ErrOutOfRange.
func (n *Normalizer) Normalize(ts *string) (time.Time, error) {
	if ts == nil || strings.TrimSpace(*ts) == "" {
		return n.Now(), nil
	}
	t, err := n.Parse(*ts)
	if err != nil {
		return time.Time{}, err
	}
	t = Canonical(t)
	if y := t.In(n.display).Year(); y < 0 || y > 9999 {
		return time.Time{}, fmt.Errorf("%w: %q renders in year %d", ErrOutOfRange, *ts, y)
	}
	return t, nil
}

// Format renders t in the display offset. Parse(Format(t)) equals t.UTC() for every t.
func (n *Normalizer) Format(t time.Time) string {
	return t.In(n.display).Format(displayLayout)
}

// Canonical converts t to the stored representation: UTC, truncated to Precision.
func Canonical(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

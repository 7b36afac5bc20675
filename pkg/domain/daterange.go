package domain

import (
	"fmt"
	"time"
)

// Infinity is the sentinel upper bound of an open range. It sorts after every
// real timestamp.
var Infinity = time.Date(9999, time.December, 1, 23, 59, 0, 0, time.UTC)

// Beginning is the lower bound used for ranges that are valid from the start of time.
var Beginning = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// maxZoneDrift bounds how far a zone-adjusted copy of Infinity may wander from
// the sentinel and still be recognised as it.
const maxZoneDrift = 14 * time.Hour

// IsInfinity reports whether t denotes the infinity sentinel. Values shifted
// by a time-zone conversion still match; plain Equal would not.
func IsInfinity(t time.Time) bool {
	return !t.Before(Infinity.Add(-maxZoneDrift))
}

// NormalizeInfinity snaps values recognised by IsInfinity onto the sentinel
// and converts everything else to UTC.
func NormalizeInfinity(t time.Time) time.Time {
	if IsInfinity(t) {
		return Infinity
	}
	return t.UTC()
}

// Range is a half-open interval [From, To).
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// All is the universal range used by non-dated records.
var All = Range{From: Beginning, To: Infinity}

// NewRange validates and normalizes a range.
func NewRange(from, to time.Time) (Range, error) {
	r := Range{From: NormalizeInfinity(from), To: NormalizeInfinity(to)}
	if IsInfinity(r.From) {
		return Range{}, fmt.Errorf("range start must not be infinity")
	}
	if !r.From.Before(r.To) {
		return Range{}, fmt.Errorf("range end %s must be after start %s", formatBound(r.To), formatBound(r.From))
	}
	return r, nil
}

// OpenFrom returns [from, Infinity).
func OpenFrom(from time.Time) Range {
	return Range{From: NormalizeInfinity(from), To: Infinity}
}

// IsOpen reports whether the upper bound is the infinity sentinel.
func (r Range) IsOpen() bool { return IsInfinity(r.To) }

// IsEmpty reports whether the range contains no instant.
func (r Range) IsEmpty() bool { return !r.From.Before(r.end()) }

// Contains reports whether t falls within [From, To). Infinity itself is
// contained by open ranges so that "as of infinity" lookups resolve.
func (r Range) Contains(t time.Time) bool {
	if t.Before(r.From) {
		return false
	}
	if r.IsOpen() {
		return true
	}
	return t.Before(r.To)
}

// Overlaps reports whether the two ranges share at least one instant.
func (r Range) Overlaps(o Range) bool {
	return r.From.Before(o.end()) && o.From.Before(r.end())
}

// Intersect returns the overlap of two ranges and whether it is non-empty.
func (r Range) Intersect(o Range) (Range, bool) {
	if !r.Overlaps(o) {
		return Range{}, false
	}
	out := r
	if o.From.After(out.From) {
		out.From = o.From
	}
	if o.end().Before(out.end()) {
		out.To = o.To
	}
	return out, true
}

// Equal compares ranges with sentinel-aware bounds.
func (r Range) Equal(o Range) bool {
	return boundEqual(r.From, o.From) && boundEqual(r.To, o.To)
}

// WithTo returns a copy of r closed at to.
func (r Range) WithTo(to time.Time) Range {
	r.To = NormalizeInfinity(to)
	return r
}

// WithFrom returns a copy of r starting at from.
func (r Range) WithFrom(from time.Time) Range {
	r.From = NormalizeInfinity(from)
	return r
}

func (r Range) String() string {
	return "[" + formatBound(r.From) + ", " + formatBound(r.To) + ")"
}

// end maps the sentinel to a value strictly after every real instant so
// zone-shifted sentinels still compare as open.
func (r Range) end() time.Time {
	if r.IsOpen() {
		return Infinity.Add(maxZoneDrift)
	}
	return r.To
}

func boundEqual(a, b time.Time) bool {
	if IsInfinity(a) || IsInfinity(b) {
		return IsInfinity(a) && IsInfinity(b)
	}
	return a.Equal(b)
}

func formatBound(t time.Time) string {
	if IsInfinity(t) {
		return "inf"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

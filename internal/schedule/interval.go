// Package schedule holds the half-open interval arithmetic shared by the bed
// occupancy and appointment engines. Storage enforces the same predicate with
// exclusion constraints; this package is the in-process mirror used for friendly
// pre-checks and by the in-memory store.
package schedule

import (
	"time"
)

// Interval is [Start, End). A nil End is unbounded.
type Interval struct {
	Start time.Time
	End   *time.Time
}

// NewInterval builds an interval, copying end so callers may reuse their pointer.
func NewInterval(start time.Time, end *time.Time) Interval {
	if end == nil {
		return Interval{Start: start}
	}
	e := *end
	return Interval{Start: start, End: &e}
}

// Closed builds a bounded interval.
func Closed(start, end time.Time) Interval {
	return Interval{Start: start, End: &end}
}

func (i Interval) IsOpenEnded() bool {
	return i.End == nil
}

// Valid reports whether the interval is non-empty.
func (i Interval) Valid() bool {
	return i.End == nil || i.Start.Before(*i.End)
}

// Contains reports whether t falls inside [Start, End).
func (i Interval) Contains(t time.Time) bool {
	if t.Before(i.Start) {
		return false
	}
	return i.End == nil || t.Before(*i.End)
}

// Overlaps implements a.Start < b.End && b.Start < a.End with nil End as +inf.
func Overlaps(a, b Interval) bool {
	return before(a.Start, b.End) && before(b.Start, a.End)
}

func before(t time.Time, end *time.Time) bool {
	return end == nil || t.Before(*end)
}

// Entry is a keyed, identified interval as stored by either engine.
type Entry[K comparable, ID comparable] struct {
	Key      K
	ID       ID
	Interval Interval
}

// Conflicts returns the entries sharing key whose interval intersects candidate,
// skipping exclude when set.
func Conflicts[K comparable, ID comparable](entries []Entry[K, ID], key K, candidate Interval, exclude *ID) []Entry[K, ID] {
	var out []Entry[K, ID]
	for _, e := range entries {
		if e.Key != key {
			continue
		}
		if exclude != nil && e.ID == *exclude {
			continue
		}
		if Overlaps(e.Interval, candidate) {
			out = append(out, e)
		}
	}
	return out
}

// HasOverlap is the boolean form of Conflicts.
func HasOverlap[K comparable, ID comparable](entries []Entry[K, ID], key K, candidate Interval, exclude *ID) bool {
	return len(Conflicts(entries, key, candidate, exclude)) > 0
}

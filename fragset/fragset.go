// Package fragset implements FragmentSet: a sorted set of
// non-overlapping, non-adjacent half-open byte ranges, used by the LTP
// engine to track received/claimed red-part coverage. It is a small,
// dependency-free container backed by a slice kept in sorted order by
// binary search, rather than a balanced tree: ranges are merged eagerly
// on insert so the slice never grows past the number of genuinely
// disjoint gaps, which in practice (LTP reports, report claims) stays
// small.
package fragset

import "sort"

// Range is a half-open byte range [Begin, End).
type Range struct {
	Begin, End uint64
}

// Len returns End-Begin.
func (r Range) Len() uint64 { return r.End - r.Begin }

// Empty reports whether the range contains no bytes.
func (r Range) Empty() bool { return r.End <= r.Begin }

func (r Range) overlapsOrTouches(o Range) bool {
	return r.Begin <= o.End && o.Begin <= r.End
}

// Set is a sorted set of disjoint, non-adjacent Ranges. The zero value
// is an empty, ready-to-use set.
type Set struct {
	ranges []Range
}

// Ranges returns the underlying sorted, disjoint range slice. Callers
// must not mutate the returned slice.
func (s *Set) Ranges() []Range { return s.ranges }

// Reset empties the set without releasing backing storage.
func (s *Set) Reset() { s.ranges = s.ranges[:0] }

// Insert merges r into the set, coalescing any overlapping or adjacent
// existing ranges. Empty ranges are ignored.
func (s *Set) Insert(r Range) {
	if r.Empty() {
		return
	}
	// Find first range that could overlap or touch r.
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= r.Begin })
	j := i
	for j < len(s.ranges) && s.ranges[j].Begin <= r.End {
		if r.Begin > s.ranges[j].Begin {
			r.Begin = s.ranges[j].Begin
		}
		if r.End < s.ranges[j].End {
			r.End = s.ranges[j].End
		}
		j++
	}
	merged := append([]Range{}, s.ranges[:i]...)
	merged = append(merged, r)
	merged = append(merged, s.ranges[j:]...)
	s.ranges = merged
}

// Contains reports whether r is fully covered by the set.
func (s *Set) Contains(r Range) bool {
	if r.Empty() {
		return true
	}
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > r.Begin })
	if i >= len(s.ranges) {
		return false
	}
	return s.ranges[i].Begin <= r.Begin && s.ranges[i].End >= r.End
}

// ContainsAll reports whether [0, upTo) is fully covered by the set,
// i.e. the set is exactly {[0, upTo)} or a superset collapsing to it.
func (s *Set) ContainsAll(upTo uint64) bool {
	return s.Contains(Range{Begin: 0, End: upTo})
}

// ComplementUpTo returns the gaps in the set within [0, L): the set of
// byte ranges not yet covered, used by a receiver to build report-segment
// reception claims and by a sender to decide what remains un-acked.
func (s *Set) ComplementUpTo(L uint64) []Range {
	var gaps []Range
	var cursor uint64
	for _, r := range s.ranges {
		if r.Begin >= L {
			break
		}
		if r.Begin > cursor {
			end := r.Begin
			if end > L {
				end = L
			}
			gaps = append(gaps, Range{Begin: cursor, End: end})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < L {
		gaps = append(gaps, Range{Begin: cursor, End: L})
	}
	return gaps
}

// Difference returns the portions of r not covered by s, i.e. the part
// of r the set does not yet contain. Used to compute the symmetric
// difference the LTP receiver needs between what it has received and
// what it already told the sender about.
func (s *Set) Difference(r Range) []Range {
	if r.Empty() {
		return nil
	}
	var out []Range
	cursor := r.Begin
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > r.Begin })
	for ; i < len(s.ranges) && s.ranges[i].Begin < r.End; i++ {
		rr := s.ranges[i]
		if rr.Begin > cursor {
			end := rr.Begin
			if end > r.End {
				end = r.End
			}
			out = append(out, Range{Begin: cursor, End: end})
		}
		if rr.End > cursor {
			cursor = rr.End
		}
	}
	if cursor < r.End {
		out = append(out, Range{Begin: cursor, End: r.End})
	}
	return out
}

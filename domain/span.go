package domain

import "sort"

// Span is a circular range of Width points starting at Start. Spans may wrap
// past the end of the ring.
type Span struct {
	Start uint64
	Width uint64
}

// Full is the span covering the whole ring at r.
func Full(r Resolution) Span { return Span{Width: FullWidth(r)} }

// IsEmpty reports whether s covers no point.
func (s Span) IsEmpty() bool { return s.Width == 0 }

// Contains reports whether p lies inside s.
func Contains(s Span, p uint64, r Resolution) bool {
	if s.Width == 0 {
		return false
	}
	if IsFull(s.Width, r) {
		return true
	}
	return (p-s.Start)&r.Max() < s.Width
}

// interval is an inclusive linear range [lo, hi].
type interval struct{ lo, hi uint64 }

func (s Span) intervals(r Resolution) []interval {
	switch {
	case s.Width == 0:
		return nil
	case IsFull(s.Width, r):
		return []interval{{0, r.Max()}}
	}
	start := s.Start & r.Max()
	end := (start + s.Width - 1) & r.Max()
	if end >= start {
		return []interval{{start, end}}
	}
	return []interval{{start, r.Max()}, {0, end}}
}

func (iv interval) span(r Resolution) Span {
	if iv.lo == 0 && iv.hi == r.Max() {
		return Full(r)
	}
	return Span{Start: iv.lo, Width: iv.hi - iv.lo + 1}
}

// Overlaps reports whether a and b share at least one point.
func Overlaps(a, b Span, r Resolution) bool {
	return len(Intersect(a, b, r)) > 0
}

// Intersect returns the points shared by a and b as at most two spans,
// ordered by start. A piece that reaches the end of the ring is joined with a
// piece starting at zero.
func Intersect(a, b Span, r Resolution) []Span {
	var out []interval
	for _, x := range a.intervals(r) {
		for _, y := range b.intervals(r) {
			lo, hi := max(x.lo, y.lo), min(x.hi, y.hi)
			if lo <= hi {
				out = append(out, interval{lo, hi})
			}
		}
	}
	return join(out, r)
}

// Union merges spans into a minimal sorted set of disjoint spans.
func Union(spans []Span, r Resolution) []Span {
	var ivs []interval
	for _, s := range spans {
		ivs = append(ivs, s.intervals(r)...)
	}
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].lo < ivs[j].lo })
	merged := []interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if last.hi == r.Max() || iv.lo <= last.hi+1 {
			last.hi = max(last.hi, iv.hi)
			continue
		}
		merged = append(merged, iv)
	}
	return join(merged, r)
}

func join(ivs []interval, r Resolution) []Span {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].lo < ivs[j].lo })
	first, last := ivs[0], ivs[len(ivs)-1]
	if len(ivs) > 1 && first.lo == 0 && last.hi == r.Max() {
		wrapped := Span{Start: last.lo, Width: last.hi - last.lo + 1 + first.hi + 1}
		ivs = ivs[1 : len(ivs)-1]
		out := make([]Span, 0, len(ivs)+1)
		for _, iv := range ivs {
			out = append(out, iv.span(r))
		}
		return append(out, wrapped)
	}
	out := make([]Span, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, iv.span(r))
	}
	return out
}

// Distance is the clockwise distance from a to b.
func Distance(a, b uint64, r Resolution) uint64 {
	return (b - a) & r.Max()
}

// Package rangeindex tracks the keyspace segments announced by every
// replicator of a log and answers coverage queries over them.
//
// Writers resolve conflicts last-write-wins by timestamp, per segment id and
// per owner. Segments of different owners are never merged.
package rangeindex

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/keys"
)

// ErrOwnerMismatch is returned when a segment id is reused by another owner.
var ErrOwnerMismatch = errors.New("rangeindex: segment owner mismatch")

// Store persists segments. Implementations must be safe for concurrent use.
type Store interface {
	PutSegments(segs []Segment) error
	DeleteSegments(ids []uuid.UUID) error
	LoadSegments() ([]Segment, error)
}

// Index is an in-memory, optionally persisted, segment collection.
type Index struct {
	mu      sync.RWMutex
	store   Store
	byID    map[uuid.UUID]Segment
	byOwner map[string]map[uuid.UUID]struct{}
	// ownerTS is the newest bulk or removal timestamp seen per owner.
	ownerTS map[string]int64
	tree    *btree.BTreeG[Segment]
}

func lessSegment(a, b Segment) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// New returns an empty index that is not persisted.
func New() *Index {
	return &Index{
		byID:    make(map[uuid.UUID]Segment),
		byOwner: make(map[string]map[uuid.UUID]struct{}),
		ownerTS: make(map[string]int64),
		tree:    btree.NewG[Segment](16, lessSegment),
	}
}

// Load returns an index backed by store, populated with its segments.
func Load(store Store) (*Index, error) {
	idx := New()
	if store == nil {
		return idx, nil
	}
	segs, err := store.LoadSegments()
	if err != nil {
		return nil, fmt.Errorf("rangeindex: load: %w", err)
	}
	for _, s := range segs {
		idx.insertLocked(s)
	}
	idx.store = store
	return idx, nil
}

func ownerKey(k keys.PublicKey) string { return k.String() }

// Put inserts or replaces s. It reports false when a newer version of the
// segment, or a newer bulk announcement by its owner, is already known.
func (x *Index) Put(s Segment) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if prev, ok := x.byID[s.ID]; ok {
		if !prev.Owner.Equal(s.Owner) {
			return false, fmt.Errorf("%w: %s", ErrOwnerMismatch, s.ID)
		}
		if s.Timestamp <= prev.Timestamp {
			return false, nil
		}
	}
	if s.Timestamp < x.ownerTS[ownerKey(s.Owner)] {
		return false, nil
	}
	if x.store != nil {
		if err := x.store.PutSegments([]Segment{s}); err != nil {
			return false, fmt.Errorf("rangeindex: persist: %w", err)
		}
	}
	x.insertLocked(s)
	return true, nil
}

// ReplaceOwner atomically replaces every segment of owner with segs. A bulk
// announcement older than the newest one seen for owner is ignored.
func (x *Index) ReplaceOwner(owner keys.PublicKey, segs []Segment, ts int64) (bool, error) {
	for _, s := range segs {
		if !s.Owner.Equal(owner) {
			return false, fmt.Errorf("%w: %s", ErrOwnerMismatch, s.ID)
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	k := ownerKey(owner)
	if ts < x.ownerTS[k] {
		return false, nil
	}
	for _, s := range segs {
		if prev, exists := x.byID[s.ID]; exists && !prev.Owner.Equal(owner) {
			return false, fmt.Errorf("%w: %s", ErrOwnerMismatch, s.ID)
		}
	}
	stale := x.idsLocked(k)
	if x.store != nil {
		if err := x.store.DeleteSegments(stale); err != nil {
			return false, fmt.Errorf("rangeindex: persist: %w", err)
		}
		if err := x.store.PutSegments(segs); err != nil {
			return false, fmt.Errorf("rangeindex: persist: %w", err)
		}
	}
	for _, id := range stale {
		x.deleteLocked(id)
	}
	for _, s := range segs {
		x.insertLocked(s)
	}
	x.ownerTS[k] = ts
	return true, nil
}

// RemoveOwner drops every segment of owner unless a newer announcement than
// ts is already known. It returns the removed segments.
func (x *Index) RemoveOwner(owner keys.PublicKey, ts int64) ([]Segment, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	k := ownerKey(owner)
	if ts < x.ownerTS[k] {
		return nil, nil
	}
	ids := x.idsLocked(k)
	var removed []Segment
	for _, id := range ids {
		s := x.byID[id]
		if s.Timestamp > ts {
			continue
		}
		removed = append(removed, s)
	}
	if x.store != nil && len(removed) > 0 {
		if err := x.store.DeleteSegments(segmentIDs(removed)); err != nil {
			return nil, fmt.Errorf("rangeindex: persist: %w", err)
		}
	}
	for _, s := range removed {
		x.deleteLocked(s.ID)
	}
	x.ownerTS[k] = ts
	sort.Slice(removed, func(i, j int) bool { return lessSegment(removed[i], removed[j]) })
	return removed, nil
}

func segmentIDs(segs []Segment) []uuid.UUID {
	out := make([]uuid.UUID, len(segs))
	for i, s := range segs {
		out[i] = s.ID
	}
	return out
}

func (x *Index) idsLocked(owner string) []uuid.UUID {
	set := x.byOwner[owner]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (x *Index) insertLocked(s Segment) {
	if prev, ok := x.byID[s.ID]; ok {
		x.tree.Delete(prev)
	}
	x.byID[s.ID] = s
	x.tree.ReplaceOrInsert(s)
	k := ownerKey(s.Owner)
	if x.byOwner[k] == nil {
		x.byOwner[k] = make(map[uuid.UUID]struct{})
	}
	x.byOwner[k][s.ID] = struct{}{}
}

func (x *Index) deleteLocked(id uuid.UUID) {
	s, ok := x.byID[id]
	if !ok {
		return
	}
	delete(x.byID, id)
	x.tree.Delete(s)
	k := ownerKey(s.Owner)
	delete(x.byOwner[k], id)
	if len(x.byOwner[k]) == 0 {
		delete(x.byOwner, k)
	}
}

// Len is the number of segments of every mode.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// Get returns the segment with the given id.
func (x *Index) Get(id uuid.UUID) (Segment, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.byID[id]
	return s, ok
}

// All returns every segment ordered by offset.
func (x *Index) All() []Segment {
	return x.filter(func(Segment) bool { return true })
}

// Segments returns the segments of owner ordered by offset.
func (x *Index) Segments(owner keys.PublicKey) []Segment {
	return x.filter(func(s Segment) bool { return s.Owner.Equal(owner) })
}

// Overlapping returns replicating segments that share a point with span.
func (x *Index) Overlapping(span domain.Span) []Segment {
	return x.filter(func(s Segment) bool {
		return s.Mode == ModeReplicate && domain.Overlaps(s.Span(), span, domain.U64)
	})
}

// Covering returns replicating segments containing p.
func (x *Index) Covering(p uint64) []Segment {
	return x.filter(func(s Segment) bool { return s.Mode == ModeReplicate && s.Contains(p) })
}

// CoveringOwners returns the distinct owners replicating p, ordered by key.
func (x *Index) CoveringOwners(p uint64) []keys.PublicKey {
	return owners(x.Covering(p))
}

func (x *Index) filter(keep func(Segment) bool) []Segment {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Segment
	x.tree.Ascend(func(s Segment) bool {
		if keep(s) {
			out = append(out, s)
		}
		return true
	})
	return out
}

func owners(segs []Segment) []keys.PublicKey {
	seen := make(map[string]struct{})
	var out []keys.PublicKey
	for _, s := range segs {
		k := ownerKey(s.Owner)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s.Owner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Owners returns every owner with at least one replicating segment.
func (x *Index) Owners() []keys.PublicKey {
	return owners(x.filter(func(s Segment) bool { return s.Mode == ModeReplicate }))
}

// PeerCount is len(Owners()).
func (x *Index) PeerCount() int { return len(x.Owners()) }

// Factor is the fraction of the ring replicated by owner.
func (x *Index) Factor(owner keys.PublicKey) float64 {
	var f float64
	for _, s := range x.Segments(owner) {
		if s.Mode == ModeReplicate {
			f += s.Factor()
		}
	}
	return f
}

// TotalFactor is the sum of the factors of every replicating segment.
func (x *Index) TotalFactor() float64 {
	var f float64
	for _, s := range x.filter(func(s Segment) bool { return s.Mode == ModeReplicate }) {
		f += s.Factor()
	}
	return f
}

// MinCoverage is the smallest number of distinct owners replicating any
// point of the ring.
func (x *Index) MinCoverage() int {
	segs := x.filter(func(s Segment) bool { return s.Mode == ModeReplicate })
	if len(segs) == 0 {
		return 0
	}
	// Coverage only changes where a segment starts or just past where one
	// ends, so those points (and zero) are enough.
	points := []uint64{0}
	for _, s := range segs {
		points = append(points, s.Offset)
		if !domain.IsFull(s.Width, domain.U64) {
			points = append(points, s.Offset+s.Width)
		}
	}
	best := -1
	for _, p := range points {
		if n := coverage(segs, p); best < 0 || n < best {
			best = n
		}
	}
	return best
}

// Sample estimates the mean number of distinct owners replicating a point
// by probing n uniformly random points.
func (x *Index) Sample(n int, rng *rand.Rand) float64 {
	if n <= 0 {
		return 0
	}
	segs := x.filter(func(s Segment) bool { return s.Mode == ModeReplicate })
	var total int
	for i := 0; i < n; i++ {
		total += coverage(segs, rng.Uint64())
	}
	return float64(total) / float64(n)
}

func coverage(segs []Segment, p uint64) int {
	seen := make(map[string]struct{})
	for _, s := range segs {
		if s.Contains(p) {
			seen[ownerKey(s.Owner)] = struct{}{}
		}
	}
	return len(seen)
}

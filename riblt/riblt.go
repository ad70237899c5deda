// Package riblt implements rateless invertible Bloom lookup tables.
//
// An Encoder turns a set of 64-bit keys into an unbounded stream of coded
// symbols. A Decoder that knows its own set consumes the stream of a peer
// and recovers the symmetric difference once it has received enough symbols,
// roughly 1.4 to 1.7 symbols per differing key.
package riblt

import (
	"encoding/binary"
	"math"

	"github.com/google/btree"
	"github.com/spaolacci/murmur3"
)

// Symbol is one coded symbol of the stream.
type Symbol struct {
	Sum      uint64
	Checksum uint64
	Count    int64
}

// Checksum is the hash that authenticates key inside a coded symbol.
func Checksum(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return murmur3.Sum64(b[:])
}

func (s Symbol) apply(key, sum uint64, count int64) Symbol {
	s.Sum ^= key
	s.Checksum ^= sum
	s.Count += count
	return s
}

func (s Symbol) pure() bool {
	return (s.Count == 1 || s.Count == -1) && Checksum(s.Sum) == s.Checksum
}

// IsEmpty reports whether s carries no key.
func (s Symbol) IsEmpty() bool { return s.Count == 0 && s.Sum == 0 && s.Checksum == 0 }

// mapping generates the increasing stream indices a key contributes to. The
// first index is always zero and density falls off as 1/(1+i/2).
type mapping struct {
	prng uint64
	last uint64
}

func (m *mapping) next() uint64 {
	r := m.prng * 0xda942042e4dd58b5
	m.prng = r
	step := math.Ceil((float64(m.last) + 1.5) * ((1 << 32) / math.Sqrt(float64(r)+1) - 1))
	switch {
	case float64(m.last)+step >= math.MaxUint64:
		m.last = math.MaxUint64
	case step < 1:
		m.last++
	default:
		m.last += uint64(step)
	}
	return m.last
}

type source struct {
	key, sum uint64
	m        mapping
}

type pending struct {
	idx uint64
	src int
}

func lessPending(a, b pending) bool {
	if a.idx != b.idx {
		return a.idx < b.idx
	}
	return a.src < b.src
}

// schedule orders sources by the next stream index they contribute to.
type schedule struct {
	sources []source
	queue   *btree.BTreeG[pending]
}

func newSchedule() schedule {
	return schedule{queue: btree.NewG[pending](8, lessPending)}
}

func (s *schedule) add(src source) {
	s.sources = append(s.sources, src)
	s.queue.ReplaceOrInsert(pending{idx: src.m.last, src: len(s.sources) - 1})
}

// collect folds every source mapped to idx into sym with the given sign and
// advances those sources. A source whose mapping has saturated is dropped
// once it has been folded at the last index.
func (s *schedule) collect(sym Symbol, idx uint64, sign int64) Symbol {
	for {
		p, ok := s.queue.Min()
		if !ok || p.idx != idx {
			return sym
		}
		s.queue.DeleteMin()
		src := &s.sources[p.src]
		sym = sym.apply(src.key, src.sum, sign)
		if next := src.m.next(); next > idx {
			s.queue.ReplaceOrInsert(pending{idx: next, src: p.src})
		}
	}
}

// Encoder produces the coded symbol stream of a set. Keys must all be added
// before the first call to Next.
type Encoder struct {
	sched schedule
	index uint64
}

func NewEncoder() *Encoder { return &Encoder{sched: newSchedule()} }

// Add inserts key. Adding a key twice cancels it out.
func (e *Encoder) Add(key uint64) {
	sum := Checksum(key)
	e.sched.add(source{key: key, sum: sum, m: mapping{prng: sum}})
}

// Len is the number of keys added.
func (e *Encoder) Len() int { return len(e.sched.sources) }

// Produced is the number of symbols returned by Next so far.
func (e *Encoder) Produced() uint64 { return e.index }

// Next returns the next coded symbol.
func (e *Encoder) Next() Symbol {
	s := e.sched.collect(Symbol{}, e.index, 1)
	e.index++
	return s
}

// Decoder recovers the difference between its local set and the set encoded
// by a remote Encoder.
type Decoder struct {
	local   *Encoder
	coded   []Symbol
	decoded schedule
	// dirs[i] is +1 when decoded source i is remote-only and -1 when local-only.
	dirs []int64
	pure []int

	remote    []uint64
	localOnly []uint64
}

func NewDecoder() *Decoder {
	return &Decoder{local: NewEncoder(), decoded: newSchedule()}
}

// AddLocal inserts a key of the local set. Keys must all be added before the
// first coded symbol.
func (d *Decoder) AddLocal(key uint64) { d.local.Add(key) }

// Received is the number of coded symbols consumed.
func (d *Decoder) Received() int { return len(d.coded) }

// AddCoded consumes the next symbol of the remote stream and peels whatever
// becomes decodable.
func (d *Decoder) AddCoded(s Symbol) {
	idx := uint64(len(d.coded))
	l := d.local.Next()
	s.Sum ^= l.Sum
	s.Checksum ^= l.Checksum
	s.Count -= l.Count

	// Keys already recovered are removed as they appear, with the sign
	// opposite to the side they were found on.
	for {
		p, ok := d.decoded.queue.Min()
		if !ok || p.idx != idx {
			break
		}
		d.decoded.queue.DeleteMin()
		src := &d.decoded.sources[p.src]
		s = s.apply(src.key, src.sum, -d.dirs[p.src])
		d.decoded.queue.ReplaceOrInsert(pending{idx: src.m.next(), src: p.src})
	}

	d.coded = append(d.coded, s)
	if s.pure() {
		d.pure = append(d.pure, int(idx))
	}
	d.peel()
}

func (d *Decoder) peel() {
	for len(d.pure) > 0 {
		i := d.pure[len(d.pure)-1]
		d.pure = d.pure[:len(d.pure)-1]
		c := d.coded[i]
		if !c.pure() {
			continue
		}
		dir := c.Count
		src := source{key: c.Sum, sum: c.Checksum, m: mapping{prng: c.Checksum}}
		if dir > 0 {
			d.remote = append(d.remote, src.key)
		} else {
			d.localOnly = append(d.localOnly, src.key)
		}

		idx := uint64(0)
		for idx < uint64(len(d.coded)) {
			d.coded[idx] = d.coded[idx].apply(src.key, src.sum, -dir)
			if d.coded[idx].pure() {
				d.pure = append(d.pure, int(idx))
			}
			idx = src.m.next()
		}
		d.decoded.add(src)
		d.dirs = append(d.dirs, dir)
	}
}

// Decoded reports whether the whole difference has been recovered.
func (d *Decoder) Decoded() bool {
	return len(d.coded) > 0 && d.coded[0].IsEmpty()
}

// RemoteOnly returns keys held by the remote side only.
func (d *Decoder) RemoteOnly() []uint64 { return d.remote }

// LocalOnly returns keys held by the local side only.
func (d *Decoder) LocalOnly() []uint64 { return d.localOnly }

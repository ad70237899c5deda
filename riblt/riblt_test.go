package riblt

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func keys(rng *rand.Rand, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = rng.Uint64()
	}
	return out
}

func sorted(in []uint64) []uint64 {
	out := append([]uint64(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestMapping_IncreasesUntilSaturated(t *testing.T) {
	m := mapping{prng: Checksum(42)}
	require.Zero(t, m.last)
	prev := m.last
	saturated := false
	for i := 0; i < 500; i++ {
		next := m.next()
		if saturated {
			require.Equal(t, uint64(math.MaxUint64), next)
			continue
		}
		require.Greater(t, next, prev)
		saturated = next == math.MaxUint64
		prev = next
	}
	require.True(t, saturated)
}

func TestSchedule_CollectDropsSaturatedSource(t *testing.T) {
	s := newSchedule()
	s.add(source{key: 7, sum: Checksum(7), m: mapping{prng: 1, last: math.MaxUint64}})
	s.add(source{key: 9, sum: Checksum(9), m: mapping{prng: 2, last: math.MaxUint64}})

	sym := s.collect(Symbol{}, math.MaxUint64, 1)
	require.Equal(t, int64(2), sym.Count)
	require.Equal(t, uint64(7^9), sym.Sum)
	require.Zero(t, s.queue.Len())

	again := s.collect(Symbol{}, math.MaxUint64, 1)
	require.True(t, again.IsEmpty())
}

func TestEncoder_FirstSymbolHoldsEverything(t *testing.T) {
	e := NewEncoder()
	var sum, check uint64
	for _, k := range []uint64{1, 2, 3, 99} {
		e.Add(k)
		sum ^= k
		check ^= Checksum(k)
	}
	require.Equal(t, 4, e.Len())
	s := e.Next()
	require.Equal(t, Symbol{Sum: sum, Checksum: check, Count: 4}, s)
	require.EqualValues(t, 1, e.Produced())
}

func TestDecoder_IdenticalSets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	set := keys(rng, 100)
	e, d := NewEncoder(), NewDecoder()
	for _, k := range set {
		e.Add(k)
		d.AddLocal(k)
	}
	d.AddCoded(e.Next())
	require.True(t, d.Decoded())
	require.Empty(t, d.RemoteOnly())
	require.Empty(t, d.LocalOnly())
	require.Equal(t, 1, d.Received())
}

func TestDecoder_RecoversSymmetricDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 30; trial++ {
		common := keys(rng, rng.Intn(300))
		remote := keys(rng, rng.Intn(40))
		local := keys(rng, rng.Intn(40))

		e, d := NewEncoder(), NewDecoder()
		for _, k := range append(append([]uint64(nil), common...), remote...) {
			e.Add(k)
		}
		for _, k := range append(append([]uint64(nil), common...), local...) {
			d.AddLocal(k)
		}

		diff := len(remote) + len(local)
		limit := 3*diff + 10
		for !d.Decoded() {
			require.Less(t, d.Received(), limit, "trial %d: too many symbols for %d differences", trial, diff)
			d.AddCoded(e.Next())
		}
		require.Equal(t, sorted(remote), sorted(d.RemoteOnly()), "trial %d", trial)
		require.Equal(t, sorted(local), sorted(d.LocalOnly()), "trial %d", trial)
	}
}

func TestDecoder_EmptyRemote(t *testing.T) {
	d := NewDecoder()
	for _, k := range []uint64{5, 6, 7} {
		d.AddLocal(k)
	}
	e := NewEncoder()
	for !d.Decoded() {
		require.Less(t, d.Received(), 50)
		d.AddCoded(e.Next())
	}
	require.Equal(t, []uint64{5, 6, 7}, sorted(d.LocalOnly()))
}

func TestSymbol_IsEmpty(t *testing.T) {
	require.True(t, Symbol{}.IsEmpty())
	require.False(t, Symbol{Count: 1}.IsEmpty())
	require.True(t, Symbol{}.apply(3, Checksum(3), 1).pure())
}

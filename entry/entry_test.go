package entry

import (
	"bytes"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"xdao.co/peerlog/keys"
)

func testSigner(t *testing.T, b byte) *keys.Ed25519Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{b}, 32)
	s, err := keys.NewEd25519Signer(seed)
	require.NoError(t, err)
	return s
}

func mustCreate(t *testing.T, opts CreateOptions) *Entry {
	t.Helper()
	e, err := Create(opts)
	require.NoError(t, err)
	return e
}

func TestCreate_Root(t *testing.T) {
	s := testSigner(t, 1)
	e := mustCreate(t, CreateOptions{LogID: "log", Payload: []byte("hello"), Signers: []keys.Signer{s}})

	require.True(t, e.Hash().Defined())
	require.Zero(t, e.Meta.Clock.Time)
	require.Equal(t, s.PublicKey().Bytes, e.Meta.Clock.ID)
	require.NotEmpty(t, e.Meta.GID)
	require.Empty(t, e.Meta.Next)

	got, err := Decode(e.Bytes())
	require.NoError(t, err)
	require.Equal(t, e.Hash(), got.Hash())
	require.Equal(t, e.Meta.GID, got.Meta.GID)
	p, ok := got.Payload.Bytes()
	require.True(t, ok)
	require.Equal(t, "hello", string(p))
	require.NoError(t, got.VerifySignatures(nil))
}

func TestCreate_RequiresSigner(t *testing.T) {
	_, err := Create(CreateOptions{Payload: []byte("x")})
	require.ErrorIs(t, err, ErrNoSigners)
}

func TestCreate_ClockAndGIDInheritance(t *testing.T) {
	s := testSigner(t, 1)
	root1 := mustCreate(t, CreateOptions{Payload: []byte("r1"), Signers: []keys.Signer{s}})
	root2 := mustCreate(t, CreateOptions{Payload: []byte("r2"), Signers: []keys.Signer{s}})
	require.NotEqual(t, root1.Meta.GID, root2.Meta.GID)

	mid := mustCreate(t, CreateOptions{Payload: []byte("m"), Next: []*Entry{root2}, Signers: []keys.Signer{s}})
	require.EqualValues(t, 1, mid.Meta.Clock.Time)
	require.Equal(t, root2.Meta.GID, mid.Meta.GID)

	// Highest clock wins the gid.
	merge := mustCreate(t, CreateOptions{Payload: []byte("x"), Next: []*Entry{root1, mid, mid}, Signers: []keys.Signer{s}})
	require.EqualValues(t, 2, merge.Meta.Clock.Time)
	require.Equal(t, mid.Meta.GID, merge.Meta.GID)
	require.Len(t, merge.Meta.Next, 2)
	require.True(t, merge.HasNext(root1.Hash()))
	require.True(t, merge.HasNext(mid.Hash()))

	// Equal clocks: smallest gid wins.
	tie := mustCreate(t, CreateOptions{Payload: []byte("t"), Next: []*Entry{root1, root2}, Signers: []keys.Signer{s}})
	want := root1.Meta.GID
	if root2.Meta.GID < want {
		want = root2.Meta.GID
	}
	require.Equal(t, want, tie.Meta.GID)
	require.EqualValues(t, 1, tie.Meta.Clock.Time)
}

func TestCreate_NextOrderIsCanonical(t *testing.T) {
	s := testSigner(t, 1)
	a := mustCreate(t, CreateOptions{Payload: []byte("a"), Signers: []keys.Signer{s}})
	b := mustCreate(t, CreateOptions{Payload: []byte("b"), Signers: []keys.Signer{s}})
	c := mustCreate(t, CreateOptions{Payload: []byte("c"), Signers: []keys.Signer{s}})

	x := mustCreate(t, CreateOptions{Payload: []byte("x"), Next: []*Entry{a, b, c}, Signers: []keys.Signer{s}})
	y := mustCreate(t, CreateOptions{Payload: []byte("x"), Next: []*Entry{c, a, b}, Signers: []keys.Signer{s}})
	require.Equal(t, x.Hash(), y.Hash())
}

func TestCreate_CoSigned(t *testing.T) {
	ed := testSigner(t, 2)
	dil, err := keys.GenerateDilithium3Signer(rand.Reader)
	require.NoError(t, err)

	e := mustCreate(t, CreateOptions{Payload: []byte("p"), Signers: []keys.Signer{ed, dil}})
	got, err := Decode(e.Bytes())
	require.NoError(t, err)
	require.NoError(t, got.VerifySignatures(nil))

	signers, err := got.Signers(nil)
	require.NoError(t, err)
	require.Len(t, signers, 2)
	require.True(t, signers[0].Equal(ed.PublicKey()))
	require.True(t, signers[1].Equal(dil.PublicKey()))
}

func TestVerifySignatures_DetectsSwap(t *testing.T) {
	s := testSigner(t, 3)
	a := mustCreate(t, CreateOptions{Payload: []byte("a"), Signers: []keys.Signer{s}})
	b := mustCreate(t, CreateOptions{Payload: []byte("b"), Signers: []keys.Signer{s}})

	forged := *a
	forged.Signatures = b.Signatures
	require.ErrorIs(t, forged.VerifySignatures(nil), keys.ErrInvalidSignature)

	unsigned := *a
	unsigned.Signatures = nil
	require.ErrorIs(t, unsigned.VerifySignatures(nil), ErrUnsigned)
}

func TestCreate_Encrypted(t *testing.T) {
	s := testSigner(t, 4)
	reader, err := keys.GenerateBoxKeypair(rand.Reader)
	require.NoError(t, err)
	outsider, err := keys.GenerateBoxKeypair(rand.Reader)
	require.NoError(t, err)

	e := mustCreate(t, CreateOptions{
		Payload: []byte("secret"),
		Data:    []byte("meta"),
		Signers: []keys.Signer{s},
		Receivers: Receivers{
			Payload:    []keys.BoxPublicKey{reader.Public},
			Data:       []keys.BoxPublicKey{reader.Public},
			Signatures: []keys.BoxPublicKey{reader.Public},
		},
	})
	require.False(t, bytes.Contains(e.Bytes(), []byte("secret")))

	got, err := Decode(e.Bytes())
	require.NoError(t, err)
	require.True(t, got.Payload.IsSealed())
	require.Equal(t, e.Meta.Clock.Time, got.Meta.Clock.Time)

	_, err = got.Payload.Open(keys.NewMemoryKeychain(outsider))
	require.ErrorIs(t, err, ErrAccess)
	require.ErrorIs(t, got.VerifySignatures(keys.NewMemoryKeychain(outsider)), ErrAccess)

	kc := keys.NewMemoryKeychain(reader)
	p, err := got.Payload.Open(kc)
	require.NoError(t, err)
	require.Equal(t, "secret", string(p))
	d, err := got.Meta.Data.Open(kc)
	require.NoError(t, err)
	require.Equal(t, "meta", string(d))
	require.NoError(t, got.VerifySignatures(kc))

	// Opening caches plaintext without changing the content address.
	require.Equal(t, e.Hash(), got.Hash())
	require.Equal(t, e.Bytes(), got.encode(true))
}

func TestField_ConcurrentOpen(t *testing.T) {
	s := testSigner(t, 5)
	reader, err := keys.GenerateBoxKeypair(rand.Reader)
	require.NoError(t, err)
	e := mustCreate(t, CreateOptions{
		Payload:   []byte("shared"),
		Signers:   []keys.Signer{s},
		Receivers: Receivers{Payload: []keys.BoxPublicKey{reader.Public}},
	})
	got, err := Decode(e.Bytes())
	require.NoError(t, err)
	_, ok := got.Payload.Bytes()
	require.False(t, ok)

	kc := keys.NewMemoryKeychain(reader)
	const workers = 16
	results := make([][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i], errs[i] = got.Payload.Open(kc)
				return
			}
			// Copies share the cache with the original.
			f := got.Payload
			results[i], errs[i] = f.Open(kc)
			f.Bytes()
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "shared", string(results[i]))
	}
	b, ok := got.Payload.Bytes()
	require.True(t, ok)
	require.Equal(t, "shared", string(b))
}

func TestDecode_Rejects(t *testing.T) {
	s := testSigner(t, 5)
	root := mustCreate(t, CreateOptions{Payload: []byte("r"), Signers: []keys.Signer{s}})

	_, err := Decode([]byte{0xff, 0xff})
	require.ErrorIs(t, err, ErrEncoding)

	trailing := protowire.AppendTag(append([]byte(nil), root.Bytes()...), 9, protowire.VarintType)
	trailing = protowire.AppendVarint(trailing, 1)
	_, err = Decode(trailing)
	require.ErrorIs(t, err, ErrEncoding)

	bad := &Entry{
		Meta:    Meta{Clock: Clock{ID: []byte{1}}, Next: root.Meta.Next, GID: "g"},
		Payload: Plain([]byte("p")),
	}
	bad.Meta.Next = append(bad.Meta.Next, root.Hash())
	_, err = Decode(bad.encode(true))
	require.ErrorIs(t, err, ErrEncoding)
}

func TestLess(t *testing.T) {
	lo, hi := testSigner(t, 6), testSigner(t, 7)
	if bytes.Compare(lo.PublicKey().Bytes, hi.PublicKey().Bytes) > 0 {
		lo, hi = hi, lo
	}
	a := mustCreate(t, CreateOptions{Payload: []byte("a"), Signers: []keys.Signer{hi}})
	b := mustCreate(t, CreateOptions{Payload: []byte("b"), Signers: []keys.Signer{lo}})
	c := mustCreate(t, CreateOptions{Payload: []byte("c"), Next: []*Entry{b}, Signers: []keys.Signer{lo}})

	es := []*Entry{c, a, b}
	Sort(es)
	require.Equal(t, []*Entry{b, a, c}, es)
	require.Zero(t, Compare(a, a))
}

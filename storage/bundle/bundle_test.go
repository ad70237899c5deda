package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/bundle"
	"xdao.co/peerlog/storage/localfs"
	"xdao.co/peerlog/storage/memcas"
)

func TestBundle_ExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id1, err := cas.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := cas.Put(ctx, []byte("world"))
	if err != nil {
		t.Fatal(err)
	}

	var outA bytes.Buffer
	if err := bundle.Export(ctx, &outA, cas, []cid.Cid{id2, id1}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}
	var outB bytes.Buffer
	if err := bundle.Export(ctx, &outB, cas, []cid.Cid{id1, id2}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(outA.Bytes(), outB.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}
}

func TestBundle_ImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := memcas.New()

	payload := []byte("payload")
	id, err := src.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	opts := bundle.ExportOptions{IncludeIndex: true, Labels: map[string]cid.Cid{"head/0": id}}
	if err := bundle.Export(ctx, &buf, src, []cid.Cid{id}, opts); err != nil {
		t.Fatal(err)
	}

	dst := memcas.New()
	m, err := bundle.Import(ctx, bytes.NewReader(buf.Bytes()), dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Blocks) != 1 || m.Blocks[0] != id {
		t.Fatalf("unexpected manifest blocks: %v", m.Blocks)
	}
	if m.Labels["head/0"] != id {
		t.Fatalf("label not restored: %v", m.Labels)
	}

	got, err := dst.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestBundle_ImportRejectsCIDMismatch(t *testing.T) {
	good := []byte("good")
	goodCID, err := cidutil.CIDv1RawSHA256CID(good)
	if err != nil {
		t.Fatal(err)
	}
	otherCID, err := cidutil.CIDv1RawSHA256CID([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	if goodCID == otherCID {
		t.Fatal("expected different CIDs")
	}

	// Name says "otherCID" but bytes are "good" => computed CID mismatch.
	bundleBytes := makeDeterministicTar(t, "blocks/"+otherCID.String(), good)

	_, err = bundle.Import(context.Background(), bytes.NewReader(bundleBytes), memcas.New())
	if !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
}

func TestBundle_ImportRejectsUnknownEntries(t *testing.T) {
	bundleBytes := makeDeterministicTar(t, "notes/readme", []byte("hi"))

	if _, err := bundle.Import(context.Background(), bytes.NewReader(bundleBytes), memcas.New()); err == nil {
		t.Fatalf("expected unknown entry to be rejected")
	}
	_, err := bundle.ImportWithOptions(context.Background(), bytes.NewReader(bundleBytes), memcas.New(), bundle.ImportOptions{IgnoreUnknown: true})
	if err != nil {
		t.Fatalf("IgnoreUnknown: %v", err)
	}
}

func makeDeterministicTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	h := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  time.Unix(0, 0).UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(h); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

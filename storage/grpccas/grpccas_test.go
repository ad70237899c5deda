package grpccas

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/localfs"
	"xdao.co/peerlog/storage/memcas"
	"xdao.co/peerlog/storage/testkit"
)

func newBufconnClient(t *testing.T, backing storage.CAS) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterCASServer(srv, &Server{CAS: backing})

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })

	client := NewClient(cc)
	client.Timeout = 2 * time.Second
	return client
}

func TestGRPCCAS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return newBufconnClient(t, memcas.New())
	})
}

func TestGRPCCAS_LocalFS_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	client := newBufconnClient(t, cas)

	payload := []byte("hello grpccas")
	id, err := client.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !id.Defined() {
		t.Fatalf("expected defined CID")
	}
	if !client.Has(ctx, id) {
		t.Fatalf("Has: expected true")
	}
	got, err := client.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch")
	}
	if err := client.Rm(ctx, id); err != nil {
		t.Fatalf("Rm: %v", err)
	}
	if client.Has(ctx, id) {
		t.Fatalf("Has after Rm: expected false")
	}
}

package grpccas

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/localfs"
	"decentnet.org/podsign/storage/testkit"
)

func serve(t *testing.T, backend storage.CAS) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(zap.NewNop())))
	RegisterBlobStoreServer(srv, &Server{CAS: backend})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	c := NewClient(cc)
	c.Timeout = 2 * time.Second
	return c
}

func TestGRPC_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		t.Helper()
		backend, err := localfs.New(t.TempDir())
		if err != nil {
			t.Fatalf("localfs.New: %v", err)
		}
		return serve(t, backend)
	})
}

// lying returns fixed bytes for every Get.
type lying struct{ storage.CAS }

func (lying) Get(cid.Cid) ([]byte, error) { return []byte("not what you asked for"), nil }

func TestGRPC_ServerRejectsWrongBytes(t *testing.T) {
	backend, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := serve(t, lying{backend})
	id, err := cidutil.Identify([]byte("wanted"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(id); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
}

package lookup

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type slowServer struct{}

func (slowServer) GetUsername(ctx context.Context, _ *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	<-ctx.Done()
	return nil, status.FromContextError(ctx.Err()).Err()
}

func serve(t *testing.T, srv Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	Register(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLookupFound(t *testing.T) {
	client := serve(t, StaticServer{Users: map[string]string{"U1": "alice"}})
	name, err := client.Lookup(context.Background(), "U1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if name != "alice" {
		t.Fatalf("name = %q", name)
	}
}

func TestLookupNotFound(t *testing.T) {
	client := serve(t, StaticServer{})
	_, err := client.Lookup(context.Background(), "missing")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestLookupHonoursDeadline(t *testing.T) {
	client := serve(t, slowServer{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Lookup(ctx, "U2")
	if err == nil || errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if status.Code(errors.Unwrap(err)) != codes.DeadlineExceeded {
		t.Fatalf("code = %v", status.Code(errors.Unwrap(err)))
	}
	if time.Since(start) > time.Second {
		t.Fatalf("lookup ignored the deadline: %v", time.Since(start))
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"dotrpc/codec"
	"dotrpc/discovery"
	"dotrpc/future"
	"dotrpc/message"
	"dotrpc/protocol"
	"dotrpc/registry"
	"dotrpc/transport"
)

type T struct{}

func (s *T) Echo(ctx context.Context, req json.RawMessage, reply Reply) {
	reply(req)
}

func (s *T) Silent(ctx context.Context, req json.RawMessage, reply Reply) {}

func (s *T) Fail(ctx context.Context, req json.RawMessage) (any, error) {
	return nil, errors.New("failed")
}

func (s *T) Boom(ctx context.Context, req json.RawMessage, reply Reply) {
	panic("boom")
}

func (s *T) Twice(ctx context.Context, req json.RawMessage, reply Reply) {
	reply(1)
	reply(2)
}

func (s *T) Later(ctx context.Context, req json.RawMessage, reply Reply) *future.Future[any] {
	return future.Go(func() (any, error) { return map[string]int{"v": 1}, nil })
}

// countingRegistry records deregistrations.
type countingRegistry struct {
	*registry.MemoryRegistry
	deregisters atomic.Int32
}

func (c *countingRegistry) Deregister(ctx context.Context, name, addr string) error {
	c.deregisters.Add(1)
	return c.MemoryRegistry.Deregister(ctx, name, addr)
}

func newTestServer(t *testing.T, opts Options, defs ...any) (*Server, *countingRegistry) {
	t.Helper()
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry()}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	opts.Host = "127.0.0.1"
	svr := NewServer(discovery.NewResolver(reg, discovery.Options{}), opts)
	if err := svr.AddServices(defs...); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svr.Shutdown)
	return svr, reg
}

func dial(t *testing.T, svr *Server) *transport.ClientTransport {
	t.Helper()
	tr, err := transport.Dial(context.Background(), svr.Addr(), codec.CodecTypeJSON)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func roundTrip(t *testing.T, tr *transport.ClientTransport, path, payload string) string {
	t.Helper()
	seq, err := tr.Send(path, json.RawMessage(payload))
	if err != nil {
		t.Fatal(err)
	}
	tr.Conn().SetReadDeadline(time.Now().Add(2 * time.Second))
	header, body, err := tr.Recv()
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	if header.Seq != seq {
		t.Fatalf("expect seq %d, got %d", seq, header.Seq)
	}
	return string(body)
}

func TestDispatch(t *testing.T) {
	svr, _ := newTestServer(t, Options{}, &T{}, &ServiceMap{
		Name:    "m",
		Methods: map[string]Invocable{"_secret": func(context.Context, json.RawMessage, Reply) *future.Future[any] { return future.Resolved[any](1) }},
	})
	tr := dial(t, svr)

	cases := []struct {
		path, payload, want string
	}{
		{"", `{}`, "INVALID_PATH"},
		{"  ", `{}`, "INVALID_PATH"},
		{"nope.echo", `{}`, "INVALID_SERVICE"},
		{"t", `{}`, "MISSING_METHOD"},
		{"t.", `{}`, "MISSING_METHOD"},
		{"t._echo", `{}`, "INVALID_METHOD"},
		{"m._secret", `{}`, "INVALID_METHOD"},
		{"t.unknown", `{}`, "INVALID_METHOD"},
		{"t.Echo", `{}`, "INVALID_METHOD"},
		{"t.echo", `{"now":123}`, `{"now":123}`},
		{"t.echo.extra", `[1,2]`, `[1,2]`},
		{"t.fail", `{}`, "failed"},
		{"t.boom", `{}`, "boom"},
		{"t.later", `{}`, `{"v":1}`},
	}
	for _, tc := range cases {
		if got := roundTrip(t, tr, tc.path, tc.payload); got != tc.want {
			t.Errorf("%q: expect %s, got %s", tc.path, tc.want, got)
		}
	}
}

func TestUndecodableRequest(t *testing.T) {
	svr, _ := newTestServer(t, Options{}, &T{})
	tr := dial(t, svr)

	h := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: 7}
	if err := protocol.Encode(tr.Conn(), &h, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	header, body, err := tr.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if header.Seq != 7 || string(body) != message.ErrInvalidPath.Error() {
		t.Fatalf("expect INVALID_PATH for seq 7, got %s for seq %d", body, header.Seq)
	}
}

func TestSingleReply(t *testing.T) {
	svr, _ := newTestServer(t, Options{}, &T{})
	tr := dial(t, svr)

	if got := roundTrip(t, tr, "t.twice", `{}`); got != "1" {
		t.Fatalf("expect first reply 1, got %s", got)
	}
	// The next frame on the connection must belong to the next request.
	if got := roundTrip(t, tr, "t.echo", `"x"`); got != `"x"` {
		t.Fatalf("expect echo, got %s", got)
	}
}

func TestDelimiter(t *testing.T) {
	svr, _ := newTestServer(t, Options{Delimiter: "/"}, &T{})
	tr := dial(t, svr)

	if got := roundTrip(t, tr, "t/echo", `5`); got != "5" {
		t.Fatalf("expect 5, got %s", got)
	}
	if got := roundTrip(t, tr, "t.echo", `5`); got != "INVALID_SERVICE" {
		t.Fatalf("expect INVALID_SERVICE, got %s", got)
	}
}

func TestAdvertise(t *testing.T) {
	svr, reg := newTestServer(t, Options{Weight: 3, Version: "1.2"}, &T{})

	insts, _ := reg.Discover(context.Background(), "t")
	if len(insts) != 1 || insts[0].Addr != svr.Addr() || insts[0].Weight != 3 || insts[0].Version != "1.2" {
		t.Fatalf("unexpected registration %+v", insts)
	}

	// Added while listening: advertised at once.
	if err := svr.AddService(&Arith{}); err != nil {
		t.Fatal(err)
	}
	insts, _ = reg.Discover(context.Background(), "arith")
	if len(insts) != 1 {
		t.Fatalf("expect arith advertised, got %+v", insts)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	svr, reg := newTestServer(t, Options{}, &T{}, &Arith{})
	addr := svr.Addr()

	svr.Shutdown()
	svr.Shutdown()

	if svr.State() != StateStopped {
		t.Fatalf("expect stopped, got %s", svr.State())
	}
	if n := reg.deregisters.Load(); n != 2 {
		t.Fatalf("expect 2 withdrawals, got %d", n)
	}
	select {
	case <-svr.Done():
	default:
		t.Fatal("Done not closed")
	}
	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Fatal("expect listener closed")
	}
	if err := svr.AddService(&T{}); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expect ErrServerClosed, got %v", err)
	}
}

// Services added while the server shuts down are either withdrawn or refused.
func TestAddServiceDuringShutdown(t *testing.T) {
	for i := 0; i < 20; i++ {
		svr, reg := newTestServer(t, Options{}, &T{})

		const n = 8
		var wg sync.WaitGroup
		wg.Add(n)
		for j := 0; j < n; j++ {
			go func() {
				defer wg.Done()
				err := svr.AddService(&ServiceMap{Name: "s" + strconv.Itoa(j), Methods: map[string]Invocable{}})
				if err != nil && !errors.Is(err, ErrServerClosed) {
					t.Error(err)
				}
			}()
		}
		svr.Shutdown()
		wg.Wait()

		for j := 0; j < n; j++ {
			if insts, _ := reg.Discover(context.Background(), "s"+strconv.Itoa(j)); len(insts) != 0 {
				t.Fatalf("round %d: s%d left advertised: %+v", i, j, insts)
			}
		}
	}
}

func TestShutdownCommand(t *testing.T) {
	svr, reg := newTestServer(t, Options{}, &T{})
	tr := dial(t, svr)

	if _, err := tr.Send(ShutdownCommand+".x", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-svr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	if insts, _ := reg.Discover(context.Background(), "t"); len(insts) != 0 {
		t.Fatalf("expect t withdrawn, got %+v", insts)
	}
	if _, err := net.DialTimeout("tcp", svr.Addr(), time.Second); err == nil {
		t.Fatal("expect new connections refused")
	}
}

func TestStartFailureKeepsCreated(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(discovery.NewResolver(reg, discovery.Options{}), Options{Host: "256.0.0.1", Logger: zap.NewNop()})
	if err := svr.Start(); err == nil {
		t.Fatal("expect bind failure")
	}
	if svr.State() != StateCreated {
		t.Fatalf("expect created, got %s", svr.State())
	}
}

func TestPreferredPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	svr, _ := newTestServer(t, Options{Port: taken}, &T{})
	if svr.State() != StateListening {
		t.Fatalf("expect listening, got %s", svr.State())
	}
	if svr.Addr() == ln.Addr().String() {
		t.Fatalf("expect a port other than %d", taken)
	}
}

func TestAdvertiseAddr(t *testing.T) {
	cases := []struct {
		opts Options
		want string
	}{
		{Options{}, "127.0.0.1:80"},
		{Options{Host: "0.0.0.0"}, "127.0.0.1:80"},
		{Options{Host: "::"}, "127.0.0.1:80"},
		{Options{Host: "10.0.0.5"}, "10.0.0.5:80"},
		{Options{Host: "0.0.0.0", Advertise: "svc.internal:9000"}, "svc.internal:9000"},
	}
	for _, tc := range cases {
		if got := tc.opts.advertiseAddr(80); got != tc.want {
			t.Errorf("%+v: expect %s, got %s", tc.opts, tc.want, got)
		}
	}
}

func TestAddPath(t *testing.T) {
	svr := NewServer(discovery.NewResolver(registry.NewMemoryRegistry(), discovery.Options{}), Options{Logger: zap.NewNop()})

	if err := svr.AddPath(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, message.ErrInvalidPath) {
		t.Fatalf("expect ErrInvalidPath, got %v", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, []byte("x"), 0o644)
	if err := svr.AddPath(file); !errors.Is(err, message.ErrInvalidPath) {
		t.Fatalf("expect ErrInvalidPath for a file, got %v", err)
	}

	if err := svr.AddPath(t.TempDir()); err != nil {
		t.Fatalf("empty dir: %v", err)
	}
}

func TestUnrepliedWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	svr, _ := newTestServer(t, Options{Logger: zap.New(core)}, &T{})

	tr, err := transport.Dial(context.Background(), svr.Addr(), codec.CodecTypeJSON)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send("t.silent", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	tr.Close()

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("connection closed before handler replied").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expect unreplied warning, got %v", logs.All())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

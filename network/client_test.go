package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"vsfy/models"
)

func closedAddress(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()
	return address
}

func TestDialUnreachableServer(t *testing.T) {
	_, err := Dial(context.Background(), closedAddress(t), models.PeerDescriptor{}, SessionOptions{
		ConnectionTimeout: time.Second,
	})
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
}

func TestDialRetriesThenGivesUp(t *testing.T) {
	started := time.Now()
	_, err := Dial(context.Background(), closedAddress(t), models.PeerDescriptor{}, SessionOptions{
		ConnectionTimeout: time.Second,
		ConnectRetries:    2,
	})
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	if time.Since(started) < 100*time.Millisecond {
		t.Fatalf("expected retries to back off")
	}
}

func TestDialHandshakeFailureIsUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}()

	_, err = Dial(context.Background(), listener.Addr().String(), models.PeerDescriptor{}, SessionOptions{})
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	server := startTestServer(t, ServerOptions{})

	self := models.PeerDescriptor{
		TransferPort: 4100,
		Catalog:      []models.FileEntry{{Name: "song.mp3", SizeBytes: 2048}},
	}
	session, err := Dial(context.Background(), server.Addr().String(), self, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Close()

	if session.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", session.State())
	}
	if session.Identity() == "" {
		t.Fatalf("expected assigned identity")
	}
	descriptor := session.Descriptor()
	wantAddress := firstRoutableIP(net.InterfaceAddrs)
	if wantAddress == "" {
		wantAddress = "127.0.0.1"
	}
	if descriptor.Identity != session.Identity() || descriptor.Address != wantAddress {
		t.Fatalf("unexpected local descriptor: %+v", descriptor)
	}

	snapshot, err := session.Directory(context.Background())
	if err != nil {
		t.Fatalf("Directory failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Identity != session.Identity() || snapshot[0].TransferPort != 4100 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	if err := session.Bye(); err != nil {
		t.Fatalf("Bye failed: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected CLOSED after BYE, got %s", session.State())
	}
	if _, err := session.Directory(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := session.Bye(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected second BYE to report ErrSessionClosed, got %v", err)
	}
	waitForLen(t, server.Registry(), 0)
}

func TestSessionSeesOtherPeers(t *testing.T) {
	server := startTestServer(t, ServerOptions{})

	first, err := Dial(context.Background(), server.Addr().String(), models.PeerDescriptor{}, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial first failed: %v", err)
	}
	defer first.Close()
	second, err := Dial(context.Background(), server.Addr().String(), models.PeerDescriptor{}, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial second failed: %v", err)
	}

	snapshot, err := first.Directory(context.Background())
	if err != nil {
		t.Fatalf("Directory failed: %v", err)
	}
	if len(snapshot) != 2 || snapshot[1].Identity != second.Identity() {
		t.Fatalf("expected both peers, got %+v", snapshot)
	}

	_ = second.Close()
	waitForLen(t, server.Registry(), 1)

	snapshot, err = first.Directory(context.Background())
	if err != nil {
		t.Fatalf("Directory failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Identity != first.Identity() {
		t.Fatalf("expected only first peer, got %+v", snapshot)
	}
}

func TestSessionLostConnection(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	session, err := Dial(context.Background(), server.Addr().String(), models.PeerDescriptor{}, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Close()

	_ = server.Close()

	if _, err := session.Directory(context.Background()); !errors.Is(err, ErrLostConnection) {
		t.Fatalf("expected ErrLostConnection, got %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected CLOSED after losing the server, got %s", session.State())
	}
}

func TestSessionDirectoryHonorsContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	// A server that completes HELLO and then never answers.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := ReadFrame(conn); err != nil {
			return
		}
		if _, err := ReadFrame(conn); err != nil {
			return
		}
		if err := WriteFrame(conn, "silent-server-peer"); err != nil {
			return
		}
		for {
			if _, err := ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	session, err := Dial(context.Background(), listener.Addr().String(), models.PeerDescriptor{}, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Close()
	if session.Identity() != "silent-server-peer" {
		t.Fatalf("unexpected identity %q", session.Identity())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = session.Directory(ctx)
	if !errors.Is(err, ErrLostConnection) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrLostConnection wrapping the deadline, got %v", err)
	}
}

type localAddrConn struct {
	net.Conn
	local net.Addr
}

func (c localAddrConn) LocalAddr() net.Addr {
	return c.local
}

func fixedAddrs(addrs ...string) func() ([]net.Addr, error) {
	return func() ([]net.Addr, error) {
		out := make([]net.Addr, 0, len(addrs))
		for _, cidr := range addrs {
			ip, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, err
			}
			ipNet.IP = ip
			out = append(out, ipNet)
		}
		return out, nil
	}
}

func TestFirstRoutableIP(t *testing.T) {
	cases := []struct {
		addrs func() ([]net.Addr, error)
		want  string
	}{
		{fixedAddrs("127.0.0.1/8", "fe80::1/64", "2001:db8::5/64", "192.168.1.7/24"), "192.168.1.7"},
		{fixedAddrs("127.0.0.1/8", "::1/128", "2001:db8::5/64"), "2001:db8::5"},
		{fixedAddrs("127.0.0.1/8", "::1/128"), ""},
		{func() ([]net.Addr, error) { return nil, errors.New("no interfaces") }, ""},
	}
	for i, tc := range cases {
		if got := firstRoutableIP(tc.addrs); got != tc.want {
			t.Fatalf("case %d: firstRoutableIP() = %q, want %q", i, got, tc.want)
		}
	}
}

func TestAdvertiseIPAvoidsLoopback(t *testing.T) {
	routable := fixedAddrs("127.0.0.1/8", "10.20.30.40/16")
	loopbackOnly := fixedAddrs("127.0.0.1/8")

	lan := localAddrConn{local: &net.TCPAddr{IP: net.ParseIP("192.168.5.5"), Port: 1}}
	if got := advertiseIP(lan, routable); got != "192.168.5.5" {
		t.Fatalf("expected LAN socket address kept, got %q", got)
	}

	loopback := localAddrConn{local: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}}
	if got := advertiseIP(loopback, routable); got != "10.20.30.40" {
		t.Fatalf("expected interface address instead of loopback, got %q", got)
	}
	if got := advertiseIP(loopback, loopbackOnly); got != "127.0.0.1" {
		t.Fatalf("expected loopback when nothing else exists, got %q", got)
	}
}

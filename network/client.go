package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"vsfy/models"
)

var (
	// ErrServerUnreachable indicates the session could not be established.
	ErrServerUnreachable = errors.New("network: server unreachable")
	// ErrLostConnection indicates the session failed after the handshake.
	ErrLostConnection = errors.New("network: lost connection with server")
	// ErrSessionClosed indicates use of a session after BYE or Close.
	ErrSessionClosed = errors.New("network: session closed")
)

// SessionState is the client-side lifecycle state of a server session.
type SessionState string

const (
	StateDisconnected SessionState = "DISCONNECTED"
	StateConnecting   SessionState = "CONNECTING"
	StateHandshaking  SessionState = "HANDSHAKING"
	StateActive       SessionState = "ACTIVE"
	StateClosing      SessionState = "CLOSING"
	StateClosed       SessionState = "CLOSED"
)

// SessionOptions controls Dial.
type SessionOptions struct {
	ConnectionTimeout time.Duration
	MaxFrameSize      int
	// ConnectRetries adds bounded exponential retries to the connect attempt.
	// Zero keeps the single-attempt behavior.
	ConnectRetries int
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.ConnectRetries < 0 {
		out.ConnectRetries = 0
	}
	return out
}

// Session is one peer's conversation with the rendezvous server.
// Requests are strictly sequential: one command, one reply.
type Session struct {
	conn         net.Conn
	maxFrameSize int

	requestMu sync.Mutex

	stateMu    sync.RWMutex
	state      SessionState
	identity   string
	descriptor models.PeerDescriptor

	closeOnce sync.Once
}

// Dial connects to the server, sends HELLO with self and waits for the
// assigned identity. Every failure before ACTIVE wraps ErrServerUnreachable.
func Dial(ctx context.Context, address string, self models.PeerDescriptor, options SessionOptions) (*Session, error) {
	opts := options.withDefaults()

	session := &Session{
		maxFrameSize: opts.MaxFrameSize,
		state:        StateDisconnected,
	}

	session.setState(StateConnecting)
	conn, err := dialWithRetry(ctx, address, opts)
	if err != nil {
		session.setState(StateClosed)
		return nil, fmt.Errorf("%w: dial %q: %w", ErrServerUnreachable, address, err)
	}
	session.conn = conn

	session.setState(StateHandshaking)
	if self.Address == "" {
		self.Address = advertiseIP(conn, net.InterfaceAddrs)
	}
	identity, err := session.hello(self)
	if err != nil {
		_ = conn.Close()
		session.setState(StateClosed)
		return nil, fmt.Errorf("%w: handshake: %w", ErrServerUnreachable, err)
	}

	self.Identity = identity
	session.stateMu.Lock()
	session.identity = identity
	session.descriptor = self.Clone()
	session.state = StateActive
	session.stateMu.Unlock()

	return session, nil
}

func dialWithRetry(ctx context.Context, address string, opts SessionOptions) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}

	var conn net.Conn
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return &backoff.PermanentError{Err: err}
		}
		c, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	if opts.ConnectRetries == 0 {
		if err := attempt(); err != nil {
			return nil, unwrapPermanent(err)
		}
		return conn, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	if err := backoff.Retry(attempt, backoff.WithMaxRetries(policy, uint64(opts.ConnectRetries))); err != nil {
		return nil, unwrapPermanent(err)
	}
	return conn, nil
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func (s *Session) hello(self models.PeerDescriptor) (string, error) {
	payload, err := EncodeDescriptor(self)
	if err != nil {
		return "", err
	}

	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	if err := WriteFrameLimit(s.conn, string(CommandHello), s.maxFrameSize); err != nil {
		return "", err
	}
	if err := WriteFrameLimit(s.conn, payload, s.maxFrameSize); err != nil {
		return "", err
	}
	identity, err := ReadFrameLimit(s.conn, s.maxFrameSize)
	if err != nil {
		return "", err
	}
	if identity == "" {
		return "", errors.New("server assigned an empty identity")
	}
	return identity, nil
}

// Identity returns the identity assigned at handshake.
func (s *Session) Identity() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.identity
}

// Descriptor returns the descriptor announced at handshake, identity included.
func (s *Session) Descriptor() models.PeerDescriptor {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.descriptor.Clone()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Directory sends GET_CLIENTS and returns the decoded snapshot.
// An I/O failure closes the session and wraps ErrLostConnection.
func (s *Session) Directory(ctx context.Context) (models.DirectorySnapshot, error) {
	if s.State() != StateActive {
		return nil, ErrSessionClosed
	}

	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	stop := s.watchContext(ctx)
	defer stop()

	if err := WriteFrameLimit(s.conn, string(CommandGetClients), s.maxFrameSize); err != nil {
		return nil, s.lost(ctx, err)
	}
	payload, err := ReadFrameLimit(s.conn, s.maxFrameSize)
	if err != nil {
		return nil, s.lost(ctx, err)
	}

	snapshot, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, s.lost(ctx, fmt.Errorf("%w: %w", ErrMalformedFrame, err))
	}
	return snapshot, nil
}

// Bye sends BYE and closes the connection locally.
func (s *Session) Bye() error {
	s.stateMu.Lock()
	if s.state != StateActive {
		s.stateMu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateClosing
	s.stateMu.Unlock()

	s.requestMu.Lock()
	err := WriteFrameLimit(s.conn, string(CommandBye), s.maxFrameSize)
	s.requestMu.Unlock()

	s.shutdown()
	if err != nil {
		return fmt.Errorf("%w: send bye: %w", ErrLostConnection, err)
	}
	return nil
}

// Close drops the connection without BYE; the server unregisters on EOF.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		s.setState(StateClosed)
	})
}

func (s *Session) lost(ctx context.Context, err error) error {
	s.shutdown()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrLostConnection, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrLostConnection, err)
}

// watchContext unblocks in-flight I/O when ctx is cancelled.
func (s *Session) watchContext(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

// advertiseIP picks the address other peers should dial. A session reaching
// the server over loopback would otherwise advertise an address only this
// host can use.
func advertiseIP(conn net.Conn, interfaceAddrs func() ([]net.Addr, error)) string {
	host := localIP(conn)
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return host
	}
	if routable := firstRoutableIP(interfaceAddrs); routable != "" {
		return routable
	}
	return host
}

// firstRoutableIP returns the first non-loopback unicast interface address,
// preferring IPv4.
func firstRoutableIP(interfaceAddrs func() ([]net.Addr, error)) string {
	addrs, err := interfaceAddrs()
	if err != nil {
		return ""
	}

	fallback := ""
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.To4() != nil {
			return ip.String()
		}
		if fallback == "" {
			fallback = ip.String()
		}
	}
	return fallback
}

func localIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

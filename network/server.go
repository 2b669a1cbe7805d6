package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"vsfy/models"
	"vsfy/registry"
)

// ErrSnapshotTruncated indicates a GET_CLIENTS reply trimmed to fit one frame.
var ErrSnapshotTruncated = errors.New("network: directory snapshot truncated")

// SessionEventType identifies a registry change made by the session server.
type SessionEventType string

const (
	SessionRegistered   SessionEventType = "registered"
	SessionAnnounced    SessionEventType = "announced"
	SessionUnregistered SessionEventType = "unregistered"
)

// SessionEvent describes one registry change.
type SessionEvent struct {
	Type        SessionEventType
	Identity    string
	RemoteAddr  string
	CatalogSize int
	Time        time.Time
}

// ServerOptions controls the rendezvous session server.
type ServerOptions struct {
	Registry     *registry.Registry
	MaxFrameSize int
	// MaxSessions caps concurrently served connections; 0 means unlimited.
	MaxSessions int
	// OnSessionEvent runs on the connection's goroutine after each registry change.
	OnSessionEvent func(SessionEvent)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Registry == nil {
		out.Registry = registry.New()
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	return out
}

// Server accepts peer sessions and answers directory queries.
type Server struct {
	listener net.Listener
	options  ServerOptions

	errs chan error

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and the session accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	if opts.MaxSessions > 0 {
		listener = netutil.LimitListener(listener, opts.MaxSessions)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		errs:     make(chan error, 16),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry returns the registry the server mutates.
func (s *Server) Registry() *registry.Registry {
	return s.options.Registry
}

// Errors returns asynchronous per-connection errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, drops every live session and waits for handlers.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// handleConn runs the per-connection command loop. Any read failure ends the
// loop and releases the session's identity.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	identity := ""
	defer func() {
		s.unregister(identity, remote)
	}()

	for {
		text, err := ReadFrameLimit(conn, s.options.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				s.reportError(fmt.Errorf("session %s: %w", remote, err))
			}
			return
		}

		command, err := ParseCommand(text)
		if err != nil {
			s.reportError(fmt.Errorf("session %s: %w", remote, err))
			continue
		}

		switch command {
		case CommandHello:
			next, err := s.handleHello(conn, identity)
			identity = next
			if err != nil {
				s.reportError(fmt.Errorf("session %s: hello: %w", remote, err))
				return
			}
		case CommandGetClients:
			if err := s.handleGetClients(conn); err != nil {
				s.reportError(fmt.Errorf("session %s: get clients: %w", remote, err))
				return
			}
		case CommandBye:
			s.unregister(identity, remote)
			identity = ""
		}
	}
}

func (s *Server) handleHello(conn net.Conn, identity string) (string, error) {
	payload, err := ReadFrameLimit(conn, s.options.MaxFrameSize)
	if err != nil {
		return identity, err
	}
	descriptor, err := DecodeDescriptor(payload)
	if err != nil {
		return identity, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	descriptor.Address = observedAddress(descriptor.Address, conn.RemoteAddr())

	eventType := SessionAnnounced
	if identity == "" || !s.options.Registry.Announce(identity, descriptor) {
		identity = s.options.Registry.Register(descriptor, conn)
		eventType = SessionRegistered
	}
	s.emit(SessionEvent{
		Type:        eventType,
		Identity:    identity,
		RemoteAddr:  conn.RemoteAddr().String(),
		CatalogSize: len(descriptor.Catalog),
	})

	if err := WriteFrameLimit(conn, identity, s.options.MaxFrameSize); err != nil {
		return identity, err
	}
	return identity, nil
}

func (s *Server) handleGetClients(conn net.Conn) error {
	snapshot := s.options.Registry.Snapshot()
	payload, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if len(payload) > s.options.MaxFrameSize {
		var kept int
		payload, kept, err = fitSnapshot(snapshot, s.options.MaxFrameSize)
		if err != nil {
			return err
		}
		s.reportError(fmt.Errorf("%w: sent %d of %d peers to %s", ErrSnapshotTruncated, kept, len(snapshot), conn.RemoteAddr()))
	}
	return WriteFrameLimit(conn, payload, s.options.MaxFrameSize)
}

// fitSnapshot encodes the longest registration-order prefix of snapshot that
// fits in one frame.
func fitSnapshot(snapshot models.DirectorySnapshot, maxSize int) (string, int, error) {
	payload, err := EncodeSnapshot(nil)
	if err != nil {
		return "", 0, err
	}
	kept := 0

	low, high := 1, len(snapshot)
	for low <= high {
		mid := (low + high) / 2
		candidate, err := EncodeSnapshot(snapshot[:mid])
		if err != nil {
			return "", 0, err
		}
		if len(candidate) <= maxSize {
			payload, kept = candidate, mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return payload, kept, nil
}

func (s *Server) unregister(identity, remote string) {
	if identity == "" {
		return
	}
	if s.options.Registry.Unregister(identity) {
		s.emit(SessionEvent{
			Type:       SessionUnregistered,
			Identity:   identity,
			RemoteAddr: remote,
		})
	}
}

func (s *Server) emit(event SessionEvent) {
	if s.options.OnSessionEvent == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	s.options.OnSessionEvent(event)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.errs <- err:
	default:
	}
}

// observedAddress keeps an explicit advertised address and falls back to the
// connection's remote IP when the peer left it empty or unspecified, or
// advertised loopback from another host.
func observedAddress(advertised string, remote net.Addr) string {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return advertised
	}
	remoteIP := net.ParseIP(host)

	if ip := net.ParseIP(advertised); ip != nil && !ip.IsUnspecified() {
		if ip.IsLoopback() && remoteIP != nil && !remoteIP.IsLoopback() {
			return remoteIP.String()
		}
		return ip.String()
	}
	return host
}

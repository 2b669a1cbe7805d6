package network

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"vsfy/models"
)

const transferBufferSize = 32 * 1024

var (
	// ErrFileUnavailable indicates a transfer that yielded zero bytes or could
	// not reach its source.
	ErrFileUnavailable = errors.New("network: file unavailable")
	// ErrNotSharing indicates a target descriptor without a transfer port.
	ErrNotSharing = errors.New("network: peer is not sharing")
)

// FileResolver maps a requested name to a readable local path.
type FileResolver interface {
	Resolve(name string) (path string, ok bool)
}

// TransferOptions controls a TransferListener.
type TransferOptions struct {
	MaxFrameSize   int
	RequestTimeout time.Duration
}

func (o TransferOptions) withDefaults() TransferOptions {
	out := o
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	return out
}

// TransferListener serves catalog files to requesting peers, one goroutine
// per accepted connection.
type TransferListener struct {
	listener net.Listener
	resolver FileResolver
	options  TransferOptions

	served atomic.Int64

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenTransfers binds address (":0" for an ephemeral port) and starts serving.
func ListenTransfers(address string, resolver FileResolver, options TransferOptions) (*TransferListener, error) {
	if resolver == nil {
		return nil, errors.New("file resolver is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen for transfers on %q: %w", address, err)
	}

	l := &TransferListener{
		listener: listener,
		resolver: resolver,
		options:  options.withDefaults(),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *TransferListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound port advertised in the peer descriptor.
func (l *TransferListener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Served returns the number of transfers that sent at least one byte.
func (l *TransferListener) Served() int64 {
	return l.served.Load()
}

// Errors returns asynchronous per-transfer errors.
func (l *TransferListener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and waits for in-flight transfers.
func (l *TransferListener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.errs)
	})
	return closeErr
}

func (l *TransferListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.reportError(fmt.Errorf("accept transfer: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.serve(conn)
	}
}

// serve reads one name frame and streams the file, or closes without data.
func (l *TransferListener) serve(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	name, err := ReadFrameWithTimeout(conn, l.options.MaxFrameSize, l.options.RequestTimeout)
	if err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			l.reportError(fmt.Errorf("transfer %s: read request: %w", conn.RemoteAddr(), err))
		}
		return
	}

	path, ok := l.resolver.Resolve(name)
	if !ok {
		return
	}
	file, err := os.Open(path)
	if err != nil {
		l.reportError(fmt.Errorf("transfer %q: %w", name, err))
		return
	}
	defer func() {
		_ = file.Close()
	}()

	written, err := io.CopyBuffer(conn, file, make([]byte, transferBufferSize))
	if written > 0 {
		l.served.Add(1)
	}
	if err != nil {
		l.reportError(fmt.Errorf("transfer %q: sent %d bytes: %w", name, written, err))
	}
}

func (l *TransferListener) reportError(err error) {
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.errs <- err:
	default:
	}
}

// TransferAddress returns the host:port of a peer's transfer listener.
func TransferAddress(peer models.PeerDescriptor) (string, error) {
	if !peer.Sharing() {
		return "", ErrNotSharing
	}
	return net.JoinHostPort(peer.Address, strconv.Itoa(peer.TransferPort)), nil
}

// FetchResult summarizes one completed transfer.
type FetchResult struct {
	Bytes  int64
	Digest string
}

// Fetch requests name from the peer's transfer listener and copies the raw
// stream into sink until the source closes. A stream of zero bytes wraps
// ErrFileUnavailable.
func Fetch(ctx context.Context, peer models.PeerDescriptor, name string, sink io.Writer) (FetchResult, error) {
	address, err := TransferAddress(peer)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrFileUnavailable, err)
	}

	dialer := net.Dialer{Timeout: DefaultConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: dial %q: %w", ErrFileUnavailable, address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := WriteFrame(conn, name); err != nil {
		return FetchResult{}, fmt.Errorf("%w: send request: %w", ErrFileUnavailable, err)
	}

	digest := newDigest()
	written, err := io.CopyBuffer(io.MultiWriter(sink, digest), conn, make([]byte, transferBufferSize))
	result := FetchResult{Bytes: written, Digest: hex.EncodeToString(digest.Sum(nil))}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if written == 0 {
			return result, fmt.Errorf("%w: %w", ErrFileUnavailable, err)
		}
		return result, fmt.Errorf("receive %q after %d bytes: %w", name, written, err)
	}
	if written == 0 {
		return result, fmt.Errorf("%w: %q", ErrFileUnavailable, name)
	}
	return result, nil
}

// Download is a transfer streaming into a temporary file it owns.
type Download struct {
	name string
	path string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	result FetchResult
	err    error

	received atomic.Int64
	cancel   context.CancelFunc
}

// StartDownload begins fetching name into a temp file under dir ("" for the
// OS temp dir). The file keeps the source extension so players can sniff it.
func StartDownload(ctx context.Context, peer models.PeerDescriptor, name, dir string) (*Download, error) {
	file, err := os.CreateTemp(dir, "vsfy-*"+safeExt(name))
	if err != nil {
		return nil, fmt.Errorf("create download sink: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Download{
		name:   name,
		path:   file.Name(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go d.run(ctx, peer, file)
	return d, nil
}

func (d *Download) run(ctx context.Context, peer models.PeerDescriptor, file *os.File) {
	// done closes before ready so a waiter woken by Ready always sees the
	// outcome of a transfer that ended without data.
	defer d.markReady()
	defer close(d.done)

	result, err := Fetch(ctx, peer, d.name, &progressWriter{w: file, d: d})
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close download sink: %w", closeErr)
	}
	if result.Bytes == 0 {
		_ = os.Remove(d.path)
	}

	d.mu.Lock()
	d.result = result
	d.err = err
	d.mu.Unlock()
}

func (d *Download) markReady() {
	d.readyOnce.Do(func() {
		close(d.ready)
	})
}

// Name returns the requested file name.
func (d *Download) Name() string {
	return d.name
}

// Path returns the temp file receiving the stream.
func (d *Download) Path() string {
	return d.path
}

// Ready is closed once the first byte is on disk or the transfer ended.
func (d *Download) Ready() <-chan struct{} {
	return d.ready
}

// Done is closed when the source closed the stream or the transfer failed.
func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Received returns the bytes written so far.
func (d *Download) Received() int64 {
	return d.received.Load()
}

// Wait blocks until the transfer ends and returns its outcome.
func (d *Download) Wait(ctx context.Context) (FetchResult, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
	return d.Result()
}

// Result returns the outcome once Done is closed.
func (d *Download) Result() (FetchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result, d.err
}

// Remove cancels the transfer if still running and deletes the temp file.
func (d *Download) Remove() error {
	d.cancel()
	<-d.done
	if err := os.Remove(d.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove download %q: %w", d.path, err)
	}
	return nil
}

type progressWriter struct {
	w io.Writer
	d *Download
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.d.received.Add(int64(n))
		p.d.markReady()
	}
	return n, err
}

func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	return h
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\*`) {
		return ""
	}
	return ext
}

func closeOnDone(ctx context.Context, conn net.Conn) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}

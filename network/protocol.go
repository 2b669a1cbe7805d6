package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxFrameSize bounds the payload of one text frame (1 MB).
	DefaultMaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds the wait for a transfer request frame.
	DefaultRequestTimeout = 30 * time.Second

	frameHeaderSize = 4
)

var (
	// ErrMalformedFrame indicates a frame whose declared length or payload is invalid.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrConnectionClosed indicates the peer closed before a complete frame arrived.
	ErrConnectionClosed = errors.New("network: connection closed")
)

// WriteFrame writes one length-prefixed UTF-8 frame using DefaultMaxFrameSize.
func WriteFrame(w io.Writer, text string) error {
	return WriteFrameLimit(w, text, DefaultMaxFrameSize)
}

// WriteFrameLimit writes one length-prefixed UTF-8 frame.
//
// Header and payload go out in a single Write so concurrent writers on a
// net.Conn never interleave inside a frame.
func WriteFrameLimit(w io.Writer, text string, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(text) > maxSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, len(text), maxSize)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedFrame)
	}

	buf := make([]byte, frameHeaderSize+len(text))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(text)))
	copy(buf[frameHeaderSize:], text)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", classifyIOError(err))
	}
	return nil
}

// ReadFrame reads one length-prefixed UTF-8 frame using DefaultMaxFrameSize.
func ReadFrame(r io.Reader) (string, error) {
	return ReadFrameLimit(r, DefaultMaxFrameSize)
}

// ReadFrameLimit blocks until one complete frame is read.
//
// A length above maxSize is rejected before any payload is allocated.
func ReadFrameLimit(r io.Reader, maxSize int) (string, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", fmt.Errorf("read frame length: %w", classifyIOError(err))
	}

	length := binary.BigEndian.Uint32(header)
	if uint64(length) > uint64(maxSize) {
		return "", fmt.Errorf("%w: declared length %d exceeds %d", ErrMalformedFrame, length, maxSize)
	}
	if length == 0 {
		return "", nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", fmt.Errorf("read frame payload: %w", classifyIOError(err))
	}
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedFrame)
	}

	return string(payload), nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, maxSize int, timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrameLimit(conn, maxSize)
}

// classifyIOError maps stream termination onto ErrConnectionClosed and keeps
// the original error reachable for errors.Is/As.
func classifyIOError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return err
}

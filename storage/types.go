package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRecord indicates a row that fails validation before insert.
	ErrInvalidRecord = errors.New("storage: invalid record")
)

const (
	// SessionEventRegistered records a HELLO that created a session.
	SessionEventRegistered = "registered"
	// SessionEventAnnounced records a HELLO that replaced a live descriptor.
	SessionEventAnnounced = "announced"
	// SessionEventUnregistered records BYE or a dropped connection.
	SessionEventUnregistered = "unregistered"
)

const (
	// TransferStatusComplete is a transfer that received at least one byte and ended cleanly.
	TransferStatusComplete = "complete"
	// TransferStatusUnavailable is a transfer that yielded zero bytes.
	TransferStatusUnavailable = "unavailable"
	// TransferStatusFailed is a transfer cut off after some bytes arrived.
	TransferStatusFailed = "failed"
)

const defaultListLimit = 50

// SessionEvent is one row of the server's session journal.
type SessionEvent struct {
	ID           int64
	PeerIdentity string
	EventType    string
	RemoteAddr   string
	CatalogSize  int
	Timestamp    int64
}

// Transfer is one row of a client's transfer history.
type Transfer struct {
	ID            int64
	PeerIdentity  string
	FileName      string
	BytesReceived int64
	Digest        string
	Status        string
	StartedAt     int64
	FinishedAt    int64
}

func validateSessionEventType(eventType string) error {
	switch eventType {
	case SessionEventRegistered, SessionEventAnnounced, SessionEventUnregistered:
		return nil
	default:
		return fmt.Errorf("%w: session event type %q", ErrInvalidRecord, eventType)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusComplete, TransferStatusUnavailable, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: transfer status %q", ErrInvalidRecord, status)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

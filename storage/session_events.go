package storage

import (
	"fmt"
	"strings"
)

// RecordSessionEvent appends one row to the session journal.
func (s *Store) RecordSessionEvent(event SessionEvent) error {
	if strings.TrimSpace(event.PeerIdentity) == "" {
		return fmt.Errorf("%w: peer identity is required", ErrInvalidRecord)
	}
	if err := validateSessionEventType(event.EventType); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO session_events (
			peer_identity,
			event_type,
			remote_addr,
			catalog_size,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerIdentity,
		event.EventType,
		event.RemoteAddr,
		event.CatalogSize,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event for %q: %w", event.PeerIdentity, err)
	}
	return nil
}

// ListSessionEvents returns the most recent journal rows, newest first.
func (s *Store) ListSessionEvents(limit int) ([]SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_identity, event_type, remote_addr, catalog_size, timestamp
		FROM session_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var event SessionEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerIdentity,
			&event.EventType,
			&event.RemoteAddr,
			&event.CatalogSize,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return out, nil
}

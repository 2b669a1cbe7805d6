package storage

import (
	"fmt"
	"strings"
)

// RecordTransfer appends one row to the transfer history.
func (s *Store) RecordTransfer(transfer Transfer) error {
	if strings.TrimSpace(transfer.PeerIdentity) == "" {
		return fmt.Errorf("%w: peer identity is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(transfer.FileName) == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidRecord)
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.FinishedAt == 0 {
		transfer.FinishedAt = nowUnixMilli()
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = transfer.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			peer_identity,
			file_name,
			bytes_received,
			digest,
			status,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transfer.PeerIdentity,
		transfer.FileName,
		transfer.BytesReceived,
		transfer.Digest,
		transfer.Status,
		transfer.StartedAt,
		transfer.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.FileName, err)
	}
	return nil
}

// ListTransfers returns the most recent transfers, newest first.
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_identity, file_name, bytes_received, digest, status, started_at, finished_at
		FROM transfers
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var transfer Transfer
		if err := rows.Scan(
			&transfer.ID,
			&transfer.PeerIdentity,
			&transfer.FileName,
			&transfer.BytesReceived,
			&transfer.Digest,
			&transfer.Status,
			&transfer.StartedAt,
			&transfer.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

package storage

import (
	"errors"
	"testing"
)

func TestTransferHistory(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordTransfer(Transfer{
		PeerIdentity:  "peer-x",
		FileName:      "song.mp3",
		BytesReceived: 1000,
		Digest:        "abc123",
		Status:        TransferStatusComplete,
		StartedAt:     10,
		FinishedAt:    20,
	}); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}
	if err := store.RecordTransfer(Transfer{
		PeerIdentity: "peer-x",
		FileName:     "missing.mp3",
		Status:       TransferStatusUnavailable,
		StartedAt:    30,
		FinishedAt:   31,
	}); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.ListTransfers(10)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(got))
	}
	if got[0].FileName != "missing.mp3" || got[0].Status != TransferStatusUnavailable {
		t.Fatalf("unexpected newest transfer: %+v", got[0])
	}
	if got[1].BytesReceived != 1000 || got[1].Digest != "abc123" {
		t.Fatalf("unexpected completed transfer: %+v", got[1])
	}
}

func TestRecordTransferValidates(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordTransfer(Transfer{PeerIdentity: "p", FileName: "a.mp3", Status: "partial"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if err := store.RecordTransfer(Transfer{PeerIdentity: "p", Status: TransferStatusComplete}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing name, got %v", err)
	}
}

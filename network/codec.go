package network

import (
	"encoding/json"
	"fmt"

	"vsfy/models"
)

// EncodeDescriptor serializes a peer descriptor for a HELLO payload.
func EncodeDescriptor(descriptor models.PeerDescriptor) (string, error) {
	if descriptor.Catalog == nil {
		descriptor.Catalog = []models.FileEntry{}
	}
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("marshal peer descriptor: %w", err)
	}
	return string(raw), nil
}

// DecodeDescriptor parses a HELLO payload.
func DecodeDescriptor(text string) (models.PeerDescriptor, error) {
	var descriptor models.PeerDescriptor
	if err := json.Unmarshal([]byte(text), &descriptor); err != nil {
		return models.PeerDescriptor{}, fmt.Errorf("decode peer descriptor: %w", err)
	}
	if descriptor.TransferPort < 0 || descriptor.TransferPort > 65535 {
		return models.PeerDescriptor{}, fmt.Errorf("decode peer descriptor: invalid transfer port %d", descriptor.TransferPort)
	}
	if descriptor.Catalog == nil {
		descriptor.Catalog = []models.FileEntry{}
	}
	return descriptor, nil
}

// EncodeSnapshot serializes a GET_CLIENTS reply.
func EncodeSnapshot(snapshot models.DirectorySnapshot) (string, error) {
	out := make(models.DirectorySnapshot, 0, len(snapshot))
	for _, descriptor := range snapshot {
		if descriptor.Catalog == nil {
			descriptor.Catalog = []models.FileEntry{}
		}
		out = append(out, descriptor)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal directory snapshot: %w", err)
	}
	return string(raw), nil
}

// DecodeSnapshot parses a GET_CLIENTS reply.
func DecodeSnapshot(text string) (models.DirectorySnapshot, error) {
	var snapshot models.DirectorySnapshot
	if err := json.Unmarshal([]byte(text), &snapshot); err != nil {
		return nil, fmt.Errorf("decode directory snapshot: %w", err)
	}
	if snapshot == nil {
		snapshot = models.DirectorySnapshot{}
	}
	for i := range snapshot {
		if snapshot[i].Catalog == nil {
			snapshot[i].Catalog = []models.FileEntry{}
		}
	}
	return snapshot, nil
}

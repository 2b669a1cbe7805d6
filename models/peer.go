package models

// PeerDescriptor describes one peer as advertised to the rendezvous server.
type PeerDescriptor struct {
	Identity     string      `json:"identity"`
	Address      string      `json:"address"`
	TransferPort int         `json:"transfer_port"`
	Catalog      []FileEntry `json:"catalog"`
}

// Sharing reports whether the peer runs a transfer listener.
func (d PeerDescriptor) Sharing() bool {
	return d.TransferPort > 0
}

// Clone returns a deep copy so callers can hand descriptors across goroutines.
func (d PeerDescriptor) Clone() PeerDescriptor {
	out := d
	if d.Catalog != nil {
		out.Catalog = append([]FileEntry(nil), d.Catalog...)
	}
	return out
}

// DirectorySnapshot is a point-in-time copy of the live peers.
type DirectorySnapshot []PeerDescriptor

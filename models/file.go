package models

// FileEntry is one shareable file as seen at scan time.
type FileEntry struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

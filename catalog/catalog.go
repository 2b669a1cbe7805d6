// Package catalog scans a media directory for shareable files.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vsfy/models"
)

// DefaultExtensions is the allow-list used when none is configured.
var DefaultExtensions = []string{"mp3", "wav", "aac"}

// ErrDirectoryNotFound reports a missing media directory. Scan still returns
// a usable empty catalog alongside it.
var ErrDirectoryNotFound = errors.New("catalog: directory does not exist")

type item struct {
	entry models.FileEntry
	path  string
}

// Catalog is the read-only set of files a peer advertises.
type Catalog struct {
	items []item
}

// Scan lists regular files in dir whose extension is allow-listed.
// Subdirectories are not descended into.
func Scan(dir string, extensions []string) (*Catalog, error) {
	c := &Catalog{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, fmt.Errorf("%w: %q", ErrDirectoryNotFound, dir)
		}
		return c, fmt.Errorf("read media directory %q: %w", dir, err)
	}

	allowed := normalizeExtensions(extensions)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, ok := allowed[extensionOf(entry.Name())]; !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		c.items = append(c.items, item{
			entry: models.FileEntry{Name: entry.Name(), SizeBytes: info.Size()},
			path:  filepath.Join(dir, entry.Name()),
		})
	}

	sort.Slice(c.items, func(i, j int) bool {
		return c.items[i].entry.Name < c.items[j].entry.Name
	})
	return c, nil
}

// Len returns the number of shareable files.
func (c *Catalog) Len() int {
	return len(c.items)
}

// Entries returns a copy of the scanned file entries.
func (c *Catalog) Entries() []models.FileEntry {
	out := make([]models.FileEntry, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it.entry)
	}
	return out
}

// Resolve maps an advertised name to its path. Exact matches win over
// case-insensitive ones.
func (c *Catalog) Resolve(name string) (string, bool) {
	for _, it := range c.items {
		if it.entry.Name == name {
			return it.path, true
		}
	}
	for _, it := range c.items {
		if strings.EqualFold(it.entry.Name, name) {
			return it.path, true
		}
	}
	return "", false
}

func normalizeExtensions(extensions []string) map[string]struct{} {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	out := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			out[ext] = struct{}{}
		}
	}
	return out
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

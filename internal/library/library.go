// Package library is the read side of the user's server-stored image
// library: a file-backed index from content hash to image key, used to skip
// re-uploading content the server already has.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Entry is one library image.
type Entry struct {
	Key      string   `json:"key"` // "{domain}/{hash}"
	Variants []string `json:"variants,omitempty"`
}

// Index maps content hashes to library entries, loaded from a JSON file the
// server keeps in sync. A missing file is an empty index, not an error.
type Index struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads the index at path. Load failures leave the index empty and are
// logged; the next Reload or Watch event retries.
func Open(path string) *Index {
	idx := &Index{path: path, entries: make(map[string]Entry)}
	if err := idx.Reload(); err != nil && !os.IsNotExist(err) {
		slog.Warn("image library load failed", "path", path, "err", err)
	}
	return idx
}

// Reload re-reads the backing file.
func (i *Index) Reload() error {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return err
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse image library %s: %w", i.path, err)
	}
	i.mu.Lock()
	i.entries = entries
	i.mu.Unlock()
	slog.Debug("image library loaded", "path", i.path, "entries", len(entries))
	return nil
}

// Find returns the entry for a content hash.
func (i *Index) Find(hash string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[hash]
	return e, ok
}

// FindKey returns just the key for a content hash.
func (i *Index) FindKey(hash string) (string, bool) {
	e, ok := i.Find(hash)
	return e.Key, ok
}

// Len returns the number of entries.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Watch reloads the index whenever the backing file changes, until ctx is
// done. The parent directory is watched so atomic renames are seen.
func (i *Index) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(i.path)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name != i.path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if err := i.Reload(); err != nil {
						slog.Warn("image library reload failed", "path", i.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("image library watch error", "err", err)
			}
		}
	}()
	return nil
}

// SplitKey splits a "{domain}/{hash}" image key. Missing either segment is an
// error.
func SplitKey(key string) (domain, hash string, err error) {
	domain, hash, ok := strings.Cut(key, "/")
	if !ok || domain == "" || hash == "" {
		return "", "", fmt.Errorf("malformed image key %q", key)
	}
	return domain, hash, nil
}

// ImageURL returns the served full-resolution URL for an image key.
func ImageURL(key string) (string, error) {
	domain, hash, err := SplitKey(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/_images/t/%s/o/%s/v/orig.webp", domain, hash), nil
}

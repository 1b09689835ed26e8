package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// metadataFile is the sidecar mapping key → entry metadata within the cache
// directory.
const metadataFile = "metadata.json"

// fsEntry is the persisted metadata for one blob.
type fsEntry struct {
	WrittenAt    time.Time `json:"written_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int64     `json:"size"`
}

// FilesystemTier stores blobs as <dir>/<key> with a metadata.json sidecar.
// The tier is bounded by total bytes; when a write would exceed the cap, the
// least recently accessed entries are evicted first. Entries expire ttl after
// they were written, observed on access and by [FilesystemTier.Sweep].
//
// All operations are safe for concurrent use within one process. Cross-process
// sharing is not supported; each instance owns its directory.
type FilesystemTier struct {
	dir      string
	maxBytes int64
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*fsEntry
	total   int64
}

// NewFilesystemTier creates (or reopens) a filesystem tier rooted at dir.
// Existing metadata is loaded so the tier survives restarts. Non-positive
// limits default to 1 GiB and 30 days.
func NewFilesystemTier(dir string, maxBytes int64, ttl time.Duration) (*FilesystemTier, error) {
	if maxBytes <= 0 {
		maxBytes = 1 << 30
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fs cache: create dir: %w", err)
	}

	t := &FilesystemTier{
		dir:      dir,
		maxBytes: maxBytes,
		ttl:      ttl,
		entries:  make(map[string]*fsEntry),
	}
	if err := t.loadMetadata(); err != nil {
		return nil, err
	}
	return t, nil
}

// Name returns "filesystem".
func (t *FilesystemTier) Name() string { return "filesystem" }

// Get returns the blob for key, updating its last-access time. Expired
// entries are removed and reported as misses.
func (t *FilesystemTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Since(entry.WrittenAt) > t.ttl {
		t.removeLocked(key)
		t.saveMetadataLocked()
		return nil, false, nil
	}

	data, err := os.ReadFile(t.blobPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		// Blob vanished underneath us; drop the stale metadata.
		t.removeLocked(key)
		t.saveMetadataLocked()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fs cache: read %s: %w", key, err)
	}

	entry.LastAccessed = time.Now()
	t.saveMetadataLocked()
	return data, true, nil
}

// Set writes the blob for key, evicting least recently accessed entries
// until the tier fits under its byte cap.
func (t *FilesystemTier) Set(_ context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Make room: the cap may be exceeded by at most this one in-flight write.
	t.evictLocked(int64(len(value)))

	if err := os.WriteFile(t.blobPath(key), value, 0o644); err != nil {
		return fmt.Errorf("fs cache: write %s: %w", key, err)
	}

	now := time.Now()
	if old, ok := t.entries[key]; ok {
		t.total -= old.Size
	}
	t.entries[key] = &fsEntry{WrittenAt: now, LastAccessed: now, Size: int64(len(value))}
	t.total += int64(len(value))
	t.saveMetadataLocked()
	return nil
}

// Delete removes the blob and its metadata if present.
func (t *FilesystemTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(key)
	t.saveMetadataLocked()
	return nil
}

// Clear removes all blobs and metadata.
func (t *FilesystemTier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.entries {
		os.Remove(t.blobPath(key))
	}
	t.entries = make(map[string]*fsEntry)
	t.total = 0
	t.saveMetadataLocked()
	return nil
}

// Ping verifies the cache directory is writable.
func (t *FilesystemTier) Ping(context.Context) error {
	probe := filepath.Join(t.dir, ".probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("fs cache: %w", err)
	}
	return os.Remove(probe)
}

// Sweep removes expired entries and returns how many were dropped.
func (t *FilesystemTier) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.entries {
		if time.Since(entry.WrittenAt) > t.ttl {
			t.removeLocked(key)
			removed++
		}
	}
	if removed > 0 {
		t.saveMetadataLocked()
	}
	return removed
}

// TotalBytes returns the current stored byte count.
func (t *FilesystemTier) TotalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// blobPath returns the path of the blob for key. Keys are hex digests, so no
// escaping is needed.
func (t *FilesystemTier) blobPath(key string) string {
	return filepath.Join(t.dir, key)
}

// evictLocked removes least recently accessed entries until incoming bytes
// fit under the cap. Must be called with t.mu held.
func (t *FilesystemTier) evictLocked(incoming int64) {
	if t.total+incoming <= t.maxBytes {
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	byAge := make([]aged, 0, len(t.entries))
	for key, entry := range t.entries {
		byAge = append(byAge, aged{key: key, last: entry.LastAccessed})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].last.Before(byAge[j].last) })

	for _, a := range byAge {
		if t.total+incoming <= t.maxBytes {
			break
		}
		t.removeLocked(a.key)
	}
}

// removeLocked drops one entry and its blob. Must be called with t.mu held.
func (t *FilesystemTier) removeLocked(key string) {
	entry, ok := t.entries[key]
	if !ok {
		return
	}
	t.total -= entry.Size
	delete(t.entries, key)
	os.Remove(t.blobPath(key))
}

// loadMetadata reads the sidecar, dropping records whose blobs are missing.
func (t *FilesystemTier) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(t.dir, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fs cache: read metadata: %w", err)
	}

	var entries map[string]*fsEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// Corrupt sidecar: start fresh rather than refuse to serve.
		return nil
	}

	for key, entry := range entries {
		if _, err := os.Stat(t.blobPath(key)); err != nil {
			continue
		}
		t.entries[key] = entry
		t.total += entry.Size
	}
	return nil
}

// saveMetadataLocked persists the sidecar atomically via rename. Must be
// called with t.mu held.
func (t *FilesystemTier) saveMetadataLocked() {
	data, err := json.Marshal(t.entries)
	if err != nil {
		return
	}
	tmp := filepath.Join(t.dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, filepath.Join(t.dir, metadataFile))
}

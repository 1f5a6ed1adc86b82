// Package store persists gateway state as JSON files under the state
// directory (~/.openclaw by default): allowlists, pending pairing requests,
// web conversation references, and session routing records.
//
// All writes go through the same atomic protocol: serialize, write to a temp
// file in the target directory, fsync, rename over the old file. Reads that
// hit a parse error retry once (a racing writer on a non-atomic filesystem),
// then quarantine the corrupt file and start from empty state rather than
// fail the gateway.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cacheTTL is the read-through cache window. State files are small and
// owned by this process, so a short TTL only has to absorb bursts.
const cacheTTL = 5 * time.Second

// jsonFile serializes access to one state file: an in-process lock, a
// read-through cache, and atomic writes.
type jsonFile struct {
	path string

	mu       sync.Mutex
	cached   []byte
	cachedAt time.Time
}

func newJSONFile(path string) *jsonFile {
	return &jsonFile{path: path}
}

// Read unmarshals the file into v. A missing file leaves v untouched and
// returns os.ErrNotExist wrapped as nil-for-callers via ok=false.
func (f *jsonFile) Read(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(v)
}

func (f *jsonFile) readLocked(v any) error {
	if f.cached != nil && time.Since(f.cachedAt) < cacheTTL {
		return json.Unmarshal(f.cached, v)
	}

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}

	if jerr := json.Unmarshal(data, v); jerr != nil {
		// One retry: we may have raced a non-atomic writer.
		time.Sleep(50 * time.Millisecond)
		data, err = os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("reread %s: %w", f.path, err)
		}
		if jerr = json.Unmarshal(data, v); jerr != nil {
			quarantine := f.path + ".corrupt"
			if rerr := os.Rename(f.path, quarantine); rerr == nil {
				slog.Warn("quarantined corrupt state file", "path", f.path, "moved_to", quarantine, "error", jerr)
			}
			return nil
		}
	}

	f.cached = data
	f.cachedAt = time.Now()
	return nil
}

// Write atomically replaces the file with the serialized form of v.
func (f *jsonFile) Write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(v)
}

func (f *jsonFile) writeLocked(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", f.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename %s: %w", f.path, err)
	}

	f.cached = data
	f.cachedAt = time.Now()
	return nil
}

// Update applies fn to the current decoded state and writes the result back,
// all under the file lock. load must decode into a fresh value each call.
func (f *jsonFile) Update(load func() any, fn func(v any) (any, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := load()
	if err := f.readLocked(v); err != nil {
		return err
	}
	out, err := fn(v)
	if err != nil {
		return err
	}
	return f.writeLocked(out)
}

// fileRegistry hands out one jsonFile per path so concurrent stores over the
// same file share a lock.
type fileRegistry struct {
	mu    sync.Mutex
	files map[string]*jsonFile
}

var registry = &fileRegistry{files: make(map[string]*jsonFile)}

func fileFor(path string) *jsonFile {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if f, ok := registry.files[path]; ok {
		return f
	}
	f := newJSONFile(path)
	registry.files[path] = f
	return f
}

package store

import (
	"path/filepath"
	"time"
)

// AllowEntry is one allowlisted sender for a channel.
type AllowEntry struct {
	ID        string `json:"id"`
	AddedAtMs int64  `json:"added_at_ms"`
	Via       string `json:"via,omitempty"` // "pairing" or "manual"
	Note      string `json:"note,omitempty"`
}

type allowFile struct {
	Entries []AllowEntry `json:"entries"`
}

// AllowFromStore persists per-channel pairing-derived allowlists under
// <stateDir>/allow-from/<channel>.json. Entries here merge with the
// config-file allowlist at admission time.
type AllowFromStore struct {
	dir string
}

// NewAllowFromStore creates a store rooted at the state directory.
func NewAllowFromStore(stateDir string) *AllowFromStore {
	return &AllowFromStore{dir: filepath.Join(stateDir, "allow-from")}
}

func (s *AllowFromStore) file(channel string) *jsonFile {
	return fileFor(filepath.Join(s.dir, channel+".json"))
}

// List returns all allowlisted entries for a channel.
func (s *AllowFromStore) List(channel string) ([]AllowEntry, error) {
	var data allowFile
	if err := s.file(channel).Read(&data); err != nil {
		return nil, err
	}
	return data.Entries, nil
}

// IDs returns just the sender IDs for a channel.
func (s *AllowFromStore) IDs(channel string) ([]string, error) {
	entries, err := s.List(channel)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Add records a sender as allowed. Adding an existing ID refreshes its
// metadata instead of duplicating it.
func (s *AllowFromStore) Add(channel string, entry AllowEntry) error {
	if entry.AddedAtMs == 0 {
		entry.AddedAtMs = time.Now().UnixMilli()
	}
	return s.file(channel).Update(
		func() any { return &allowFile{} },
		func(v any) (any, error) {
			data := v.(*allowFile)
			for i, e := range data.Entries {
				if e.ID == entry.ID {
					data.Entries[i] = entry
					return data, nil
				}
			}
			data.Entries = append(data.Entries, entry)
			return data, nil
		},
	)
}

// Remove drops a sender from the channel allowlist. Removing an absent ID
// is a no-op.
func (s *AllowFromStore) Remove(channel, id string) error {
	return s.file(channel).Update(
		func() any { return &allowFile{} },
		func(v any) (any, error) {
			data := v.(*allowFile)
			kept := data.Entries[:0]
			for _, e := range data.Entries {
				if e.ID != id {
					kept = append(kept, e)
				}
			}
			data.Entries = kept
			return data, nil
		},
	)
}

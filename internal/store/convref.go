package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

const (
	// convRefCap bounds the number of remembered conversations per channel.
	convRefCap = 1000
	// convRefTTL ages out conversations not seen for a year.
	convRefTTL = 365 * 24 * time.Hour
)

// ConvRef is a remembered conversation reference, used by channels without a
// provider-side directory (e.g. web) so outbound delivery can address past
// conversations.
type ConvRef struct {
	ChatID        string            `json:"chat_id"`
	Kind          string            `json:"kind,omitempty"` // "direct" or "group"
	DisplayName   string            `json:"display_name,omitempty"`
	RefreshedAtMs int64             `json:"refreshed_at_ms"`
	Meta          map[string]string `json:"meta,omitempty"`
}

type convRefFile struct {
	Refs map[string]ConvRef `json:"refs"` // chatID → ref
}

// ConvRefStore persists conversation references per channel under
// <stateDir>/<channel>-conversations.json, evicting least-recently-refreshed
// entries past the cap.
type ConvRefStore struct {
	dir string
	now func() time.Time
}

// NewConvRefStore creates a store rooted at the state directory.
func NewConvRefStore(stateDir string) *ConvRefStore {
	return &ConvRefStore{dir: stateDir, now: time.Now}
}

func (s *ConvRefStore) file(channel string) *jsonFile {
	return fileFor(filepath.Join(s.dir, fmt.Sprintf("%s-conversations.json", channel)))
}

// Touch records or refreshes a conversation reference. Touching an existing
// chat ID updates its timestamp and metadata in place.
func (s *ConvRefStore) Touch(channel string, ref ConvRef) error {
	now := s.now()
	ref.RefreshedAtMs = now.UnixMilli()
	return s.file(channel).Update(
		func() any { return &convRefFile{} },
		func(v any) (any, error) {
			data := v.(*convRefFile)
			if data.Refs == nil {
				data.Refs = make(map[string]ConvRef)
			}
			data.Refs[ref.ChatID] = ref
			pruneConvRefs(data, now)
			return data, nil
		},
	)
}

// Get returns the reference for a chat ID.
func (s *ConvRefStore) Get(channel, chatID string) (ConvRef, bool, error) {
	var data convRefFile
	if err := s.file(channel).Read(&data); err != nil {
		return ConvRef{}, false, err
	}
	ref, ok := data.Refs[chatID]
	return ref, ok, nil
}

// List returns all live references for a channel, most recently refreshed
// first.
func (s *ConvRefStore) List(channel string) ([]ConvRef, error) {
	var data convRefFile
	if err := s.file(channel).Read(&data); err != nil {
		return nil, err
	}
	refs := make([]ConvRef, 0, len(data.Refs))
	cutoff := s.now().Add(-convRefTTL).UnixMilli()
	for _, ref := range data.Refs {
		if ref.RefreshedAtMs >= cutoff {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].RefreshedAtMs > refs[j].RefreshedAtMs })
	return refs, nil
}

func pruneConvRefs(data *convRefFile, now time.Time) {
	cutoff := now.Add(-convRefTTL).UnixMilli()
	for id, ref := range data.Refs {
		if ref.RefreshedAtMs < cutoff {
			delete(data.Refs, id)
		}
	}
	if len(data.Refs) <= convRefCap {
		return
	}
	// Evict least recently refreshed past the cap.
	refs := make([]ConvRef, 0, len(data.Refs))
	for _, ref := range data.Refs {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].RefreshedAtMs < refs[j].RefreshedAtMs })
	for _, ref := range refs[:len(refs)-convRefCap] {
		delete(data.Refs, ref.ChatID)
	}
}

package store

import (
	"path/filepath"
	"time"
)

// SessionRecord maps a session key to its provider-side session and the last
// delivery route, so replies and follow-ups land where the conversation
// lives.
type SessionRecord struct {
	SessionID    string `json:"sessionId"`
	UpdatedAtMs  int64  `json:"updatedAtMs"`
	LastChannel  string `json:"lastChannel,omitempty"`
	LastTo       string `json:"lastTo,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

type sessionsFile struct {
	Sessions map[string]SessionRecord `json:"sessions"` // session key → record
}

// SessionStore persists session routing records at
// <stateDir>/sessions/sessions.json.
type SessionStore struct {
	f *jsonFile
}

// NewSessionStore creates a store rooted at the state directory.
func NewSessionStore(stateDir string) *SessionStore {
	return &SessionStore{f: fileFor(filepath.Join(stateDir, "sessions", "sessions.json"))}
}

// Get returns the record for a session key.
func (s *SessionStore) Get(key string) (SessionRecord, bool, error) {
	var data sessionsFile
	if err := s.f.Read(&data); err != nil {
		return SessionRecord{}, false, err
	}
	rec, ok := data.Sessions[key]
	return rec, ok, nil
}

// Put upserts the record for a session key, stamping the update time.
func (s *SessionStore) Put(key string, rec SessionRecord) error {
	rec.UpdatedAtMs = time.Now().UnixMilli()
	return s.f.Update(
		func() any { return &sessionsFile{} },
		func(v any) (any, error) {
			data := v.(*sessionsFile)
			if data.Sessions == nil {
				data.Sessions = make(map[string]SessionRecord)
			}
			data.Sessions[key] = rec
			return data, nil
		},
	)
}

// AccumulateUsage adds token usage onto a session record, creating it if
// missing.
func (s *SessionStore) AccumulateUsage(key string, input, output int64) error {
	return s.f.Update(
		func() any { return &sessionsFile{} },
		func(v any) (any, error) {
			data := v.(*sessionsFile)
			if data.Sessions == nil {
				data.Sessions = make(map[string]SessionRecord)
			}
			rec := data.Sessions[key]
			rec.InputTokens += input
			rec.OutputTokens += output
			rec.UpdatedAtMs = time.Now().UnixMilli()
			data.Sessions[key] = rec
			return data, nil
		},
	)
}

// Delete removes a session record. Deleting an absent key is a no-op.
func (s *SessionStore) Delete(key string) error {
	return s.f.Update(
		func() any { return &sessionsFile{} },
		func(v any) (any, error) {
			data := v.(*sessionsFile)
			delete(data.Sessions, key)
			return data, nil
		},
	)
}

// All returns every session record keyed by session key.
func (s *SessionStore) All() (map[string]SessionRecord, error) {
	var data sessionsFile
	if err := s.f.Read(&data); err != nil {
		return nil, err
	}
	if data.Sessions == nil {
		return map[string]SessionRecord{}, nil
	}
	return data.Sessions, nil
}

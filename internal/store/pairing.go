package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// pairingCodeAlphabet excludes visually ambiguous characters (0/O, 1/I).
const pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// pairingCodeLen is the generated code length.
const pairingCodeLen = 8

// PairingTTL is how long a pending pairing request stays approvable.
const PairingTTL = 24 * time.Hour

// ErrPairingNotFound is returned when approving a code that does not exist,
// has expired, or was already approved (a lost CAS race).
var ErrPairingNotFound = errors.New("pairing request not found")

// PairingRequest is one pending DM pairing request.
type PairingRequest struct {
	Code        string `json:"code"`
	Channel     string `json:"channel"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	ChatID      string `json:"chat_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

func (r PairingRequest) expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAtMs
}

type pairingFile struct {
	Requests map[string]PairingRequest `json:"requests"` // code → request
}

// PairingStore persists pending pairing requests per channel under
// <stateDir>/pairing/<channel>.json.
type PairingStore struct {
	dir string
	now func() time.Time
}

// NewPairingStore creates a store rooted at the state directory.
func NewPairingStore(stateDir string) *PairingStore {
	return &PairingStore{dir: filepath.Join(stateDir, "pairing"), now: time.Now}
}

func (s *PairingStore) file(channel string) *jsonFile {
	return fileFor(filepath.Join(s.dir, channel+".json"))
}

// Create returns the pairing code for a sender, generating a new request if
// none is pending. created reports whether a new code was issued; admission
// sends the pairing reply only when created is true, so a sender who keeps
// messaging gets exactly one reply per pending request.
func (s *PairingStore) Create(channel, senderID, senderName, chatID string) (code string, created bool, err error) {
	now := s.now()
	err = s.file(channel).Update(
		func() any { return &pairingFile{} },
		func(v any) (any, error) {
			data := v.(*pairingFile)
			if data.Requests == nil {
				data.Requests = make(map[string]PairingRequest)
			}
			for c, req := range data.Requests {
				if req.expired(now) {
					delete(data.Requests, c)
					continue
				}
				if req.SenderID == senderID {
					code = req.Code
					created = false
				}
			}
			if code != "" {
				return data, nil
			}

			c, genErr := generatePairingCode()
			if genErr != nil {
				return nil, genErr
			}
			// Regenerate on the unlikely collision with a live code.
			for _, exists := data.Requests[c]; exists; _, exists = data.Requests[c] {
				if c, genErr = generatePairingCode(); genErr != nil {
					return nil, genErr
				}
			}
			data.Requests[c] = PairingRequest{
				Code:        c,
				Channel:     channel,
				SenderID:    senderID,
				SenderName:  senderName,
				ChatID:      chatID,
				CreatedAtMs: now.UnixMilli(),
				ExpiresAtMs: now.Add(PairingTTL).UnixMilli(),
			}
			code = c
			created = true
			return data, nil
		},
	)
	return code, created, err
}

// List returns pending (unexpired) requests for a channel, pruning expired
// ones as a side effect.
func (s *PairingStore) List(channel string) ([]PairingRequest, error) {
	now := s.now()
	var out []PairingRequest
	err := s.file(channel).Update(
		func() any { return &pairingFile{} },
		func(v any) (any, error) {
			data := v.(*pairingFile)
			for c, req := range data.Requests {
				if req.expired(now) {
					delete(data.Requests, c)
					continue
				}
				out = append(out, req)
			}
			return data, nil
		},
	)
	return out, err
}

// Approve removes the request for a code and returns it. The removal is the
// CAS step: concurrent approvals of the same code resolve to one winner, the
// rest get ErrPairingNotFound. The caller adds the sender to the allowlist.
func (s *PairingStore) Approve(channel, code string) (PairingRequest, error) {
	now := s.now()
	var req PairingRequest
	err := s.file(channel).Update(
		func() any { return &pairingFile{} },
		func(v any) (any, error) {
			data := v.(*pairingFile)
			r, ok := data.Requests[code]
			if !ok || r.expired(now) {
				return nil, fmt.Errorf("%w: %s/%s", ErrPairingNotFound, channel, code)
			}
			delete(data.Requests, code)
			req = r
			return data, nil
		},
	)
	return req, err
}

// Revoke drops a pending request without approving it.
func (s *PairingStore) Revoke(channel, code string) error {
	return s.file(channel).Update(
		func() any { return &pairingFile{} },
		func(v any) (any, error) {
			data := v.(*pairingFile)
			if _, ok := data.Requests[code]; !ok {
				return nil, fmt.Errorf("%w: %s/%s", ErrPairingNotFound, channel, code)
			}
			delete(data.Requests, code)
			return data, nil
		},
	)
}

func generatePairingCode() (string, error) {
	buf := make([]byte, pairingCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pairing code entropy: %w", err)
	}
	for i, b := range buf {
		buf[i] = pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)]
	}
	return string(buf), nil
}

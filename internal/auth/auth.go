// Package auth persists one-time login codes and the proxy's cookie
// signing key.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "github.com/muxden/muxden/internal/common/errors"
)

const (
	codesFile      = "one_time_codes.json"
	signingKeyFile = "signing_key"

	signingKeyBytes = 64
)

// CodeStatus tracks a one-time code through its life. Transitions are
// strictly VALID to USED or VALID to REVOKED.
type CodeStatus string

const (
	CodeValid   CodeStatus = "VALID"
	CodeUsed    CodeStatus = "USED"
	CodeRevoked CodeStatus = "REVOKED"
)

// CodeRecord binds one code to exactly one agent.
type CodeRecord struct {
	Code    string     `json:"code"`
	AgentID string     `json:"agent_id"`
	Status  CodeStatus `json:"status"`
}

// Store is the file-backed auth store under the auth directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens the auth store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) codesPath() string { return filepath.Join(s.dir, codesFile) }

// readCodes returns the current code list; a missing file is an empty list.
func (s *Store) readCodes() ([]CodeRecord, error) {
	raw, err := os.ReadFile(s.codesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []CodeRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, apperrors.Wrap(err, "malformed one-time code file")
	}
	return records, nil
}

// writeCodes atomically replaces the code file.
func (s *Store) writeCodes(records []CodeRecord) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, codesFile+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.codesPath())
}

// AddOneTimeCode persists a VALID code bound to agentID.
func (s *Store) AddOneTimeCode(agentID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readCodes()
	if err != nil {
		return err
	}
	records = append(records, CodeRecord{Code: code, AgentID: agentID, Status: CodeValid})
	return s.writeCodes(records)
}

// ValidateAndConsume marks the exact (code, agent) pair USED and reports
// whether it was VALID. A code bound to one agent never authenticates
// another.
func (s *Store) ValidateAndConsume(agentID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readCodes()
	if err != nil {
		return false, err
	}
	for i := range records {
		r := &records[i]
		if r.Code == code && r.AgentID == agentID && r.Status == CodeValid {
			r.Status = CodeUsed
			if err := s.writeCodes(records); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// RevokeCodesForAgent marks every VALID code of an agent REVOKED. Used when
// the agent is destroyed.
func (s *Store) RevokeCodesForAgent(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readCodes()
	if err != nil {
		return err
	}
	changed := false
	for i := range records {
		if records[i].AgentID == agentID && records[i].Status == CodeValid {
			records[i].Status = CodeRevoked
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeCodes(records)
}

// ListAgentIDsWithValidCodes returns the sorted, deduplicated agent ids
// that still have a VALID code. The proxy's landing page uses it.
func (s *Store) ListAgentIDsWithValidCodes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readCodes()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var agentIDs []string
	for _, r := range records {
		if r.Status == CodeValid && !seen[r.AgentID] {
			seen[r.AgentID] = true
			agentIDs = append(agentIDs, r.AgentID)
		}
	}
	sort.Strings(agentIDs)
	return agentIDs, nil
}

// SigningKey returns the persisted cookie signing key, generating one on
// first use. An empty key file is an error, never an implicit regeneration.
func (s *Store) SigningKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, signingKeyFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) == 0 {
			return nil, apperrors.Auth("signing key file is empty")
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	buf := make([]byte, signingKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	key := []byte(base64.URLEncoding.EncodeToString(buf))

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, key, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return key, nil
}

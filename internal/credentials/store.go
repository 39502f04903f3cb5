// Package credentials resolves provider access material: API keys saved in
// the local credential store and OAuth tokens refreshed from on-disk token
// files. Refreshes coalesce under a single-flight guard so concurrent turns
// against the same account share one network call.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Auth modes recorded in a credential file.
const (
	AuthModeAPIKey  = "api_key"
	AuthModeChatGPT = "chatgpt"
)

// ErrNotFound reports that no credential file exists for a provider.
var ErrNotFound = errors.New("credentials: not found")

// Tokens is the token block of a credential file. ExpiresAt is a millisecond
// epoch timestamp.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Account is the identity block of a credential file.
type Account struct {
	AccountID string `json:"account_id,omitempty"`
	Email     string `json:"email,omitempty"`
	PlanType  string `json:"plan_type,omitempty"`
}

// File is the on-disk credential document for one provider.
type File struct {
	Version     int      `json:"version"`
	AuthMode    string   `json:"auth_mode"`
	Issuer      string   `json:"issuer,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Tokens      Tokens   `json:"tokens"`
	Account     *Account `json:"account,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
	LastRefresh string   `json:"last_refresh,omitempty"`
}

// Store reads and writes per-provider credential files under a single
// directory. Files are owner-only; writes are temp+rename atomic.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(provider string) string {
	return filepath.Join(s.dir, provider+".json")
}

// Load reads the credential file for a provider.
func (s *Store) Load(provider string) (*File, error) {
	data, err := os.ReadFile(s.path(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, provider)
		}
		return nil, fmt.Errorf("read credentials for %s: %w", provider, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode credentials for %s: %w", provider, err)
	}
	return &f, nil
}

// Save writes the credential file for a provider atomically with owner-only
// permissions on both the file and the containing directory.
func (s *Store) Save(provider string, f *File) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	f.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials for %s: %w", provider, err)
	}

	target := s.path(provider)
	tmp, err := os.CreateTemp(s.dir, "."+provider+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename credentials for %s: %w", provider, err)
	}
	return nil
}

// Delete removes the credential file for a provider. Missing files are not
// an error.
func (s *Store) Delete(provider string) error {
	err := os.Remove(s.path(provider))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credentials for %s: %w", provider, err)
	}
	return nil
}

// SaveAPIKey records an API key for a provider.
func (s *Store) SaveAPIKey(provider, apiKey string) error {
	return s.Save(provider, &File{
		Version:  1,
		AuthMode: AuthModeAPIKey,
		Tokens:   Tokens{AccessToken: apiKey},
	})
}

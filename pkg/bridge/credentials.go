// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"maunium.net/go/mautrix/id"
)

// credentialFile is the fixed file name inside the credential store directory.
const credentialFile = "credentials.json"

// ErrNoCredentials is returned by Load when no credential file exists yet,
// meaning this is the first run and a password login is required.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials is the persisted Matrix session identity. A successful password
// login writes it once; every later run restores the session from it without
// another login round trip. It is replaced wholesale, never edited in place.
type Credentials struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
}

// CredentialStore reads and writes the credential file under a store
// directory.
type CredentialStore struct {
	dir string
}

// NewCredentialStore returns a store rooted at dir. The directory is created
// lazily on the first Save.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

// Path returns the full path of the credential file.
func (s *CredentialStore) Path() string {
	return filepath.Join(s.dir, credentialFile)
}

// Load reads the stored credentials. A missing file returns ErrNoCredentials.
func (s *CredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	} else if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credential file %s: %w", s.Path(), err)
	}
	return &creds, nil
}

// Save writes the credentials atomically: the JSON goes to a temp file in the
// store directory which is then renamed over the target, so a concurrent
// restart never observes a torn file. Mode 0600, the file holds an access
// token.
func (s *CredentialStore) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating credential store directory: %w", err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, credentialFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary credential file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting credential file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}

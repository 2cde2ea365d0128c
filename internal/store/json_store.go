package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	proxyerrors "github.com/nullstream/antigravity-bridge/internal/errors"
)

// JSONStore is a token store backed by a single JSON file on disk. Writes are
// atomic: the new content is written to a temp file in the same directory
// and renamed over the target, so a crash mid-write never corrupts the file
// readers already have open.
type JSONStore struct {
	mu   sync.Mutex
	path string
}

type jsonFile struct {
	Accounts []Account `json:"accounts"`
}

// NewJSONStore opens (or creates) the JSON store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, proxyerrors.NewTokenStoreCorrupt(err, "cannot create token store directory %s", filepath.Dir(path))
	}
	s := &JSONStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeLocked(jsonFile{Accounts: []Account{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *JSONStore) readLocked() (jsonFile, error) {
	var f jsonFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return jsonFile{Accounts: []Account{}}, nil
		}
		return f, proxyerrors.NewTokenStoreCorrupt(err, "cannot read token store %s", s.path)
	}
	if len(data) == 0 {
		return jsonFile{Accounts: []Account{}}, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, proxyerrors.NewTokenStoreCorrupt(err, "token store %s contains invalid JSON", s.path)
	}
	return f, nil
}

func (s *JSONStore) writeLocked(f jsonFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return proxyerrors.NewInternal(err, "cannot marshal token store")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".accounts-*.tmp")
	if err != nil {
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot create temp file for token store")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot write token store temp file")
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot chmod token store temp file")
	}
	if err := tmp.Close(); err != nil {
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot close token store temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot replace token store %s", s.path)
	}
	return nil
}

func (s *JSONStore) Load(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return f.Accounts, nil
}

func (s *JSONStore) Get(ctx context.Context, email string) (Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return Account{}, false, err
	}
	for _, a := range f.Accounts {
		if a.Email == email {
			return a, true, nil
		}
	}
	return Account{}, false, nil
}

func (s *JSONStore) Upsert(ctx context.Context, acc Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return err
	}
	found := false
	for i, a := range f.Accounts {
		if a.Email == acc.Email {
			f.Accounts[i] = acc
			found = true
			break
		}
	}
	if !found {
		f.Accounts = append(f.Accounts, acc)
	}
	return s.writeLocked(f)
}

func (s *JSONStore) Remove(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return err
	}
	out := make([]Account, 0, len(f.Accounts))
	for _, a := range f.Accounts {
		if a.Email != email {
			out = append(out, a)
		}
	}
	f.Accounts = out
	return s.writeLocked(f)
}

func (s *JSONStore) Close() error { return nil }

var _ Store = (*JSONStore)(nil)

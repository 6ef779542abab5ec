package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	storeDirMode  = 0o700
	storeFileMode = 0o600
)

// FileStore keeps every identity's session in one JSON object on disk.
// Each save re-reads the file and merges, so several identities can share
// one store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the session stored for identity. A missing file or entry is
// not an error.
func (s *FileStore) Load(ctx context.Context, identity string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	raw, ok := entries[identity]
	if !ok {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", identity, err)
	}
	return &sess, nil
}

// Save writes sess for identity, keeping other identities' entries.
func (s *FileStore) Save(ctx context.Context, identity string, sess Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validIdentity(identity); err != nil {
		return err
	}

	encoded, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", identity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return err
	}
	entries[identity] = encoded
	return s.writeAll(entries)
}

// Delete removes identity's entry. Deleting a missing entry is a no-op.
func (s *FileStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := entries[identity]; !ok {
		return nil
	}
	delete(entries, identity)
	return s.writeAll(entries)
}

func (s *FileStore) readAll() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	entries := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode session file %s: %w", s.path, err)
	}
	return entries, nil
}

// writeAll replaces the file atomically through a temp file in the same
// directory.
func (s *FileStore) writeAll(entries map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(storeFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func validIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return errors.New("session identity is empty")
	}
	return nil
}

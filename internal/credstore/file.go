package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"askbridge/internal/cookies"
)

const profileExt = ".json"

// FileStore keeps one flat JSON object per profile under a directory.
// The file modification time doubles as the last-used timestamp.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("credential store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+profileExt)
}

// Save writes the profile atomically via a temp file and rename.
func (s *FileStore) Save(_ context.Context, name string, tokens cookies.TokenSet) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if tokens.Empty() {
		return errEmptyTokens
	}

	data, err := json.MarshalIndent(tokens.Tokens, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("save profile %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save profile %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save profile %s: %w", name, err)
	}
	return nil
}

// Load reads a profile. Unknown names yield a not-found error.
func (s *FileStore) Load(_ context.Context, name string) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(name)
		}
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w: %w", name, ErrCorrupt, err)
	}
	return &Profile{
		Name:     name,
		Tokens:   cookies.New(cookies.OriginPersisted, flat),
		LastUsed: info.ModTime(),
	}, nil
}

// Delete removes a profile; deleting a missing profile is a not-found error.
func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return notFound(name)
		}
		return err
	}
	return nil
}

// List returns the sorted profile names.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || filepath.Ext(n) != profileExt {
			continue
		}
		names = append(names, strings.TrimSuffix(n, profileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Touch bumps the modification time.
func (s *FileStore) Touch(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if err := os.Chtimes(s.path(name), now, now); err != nil {
		if os.IsNotExist(err) {
			return notFound(name)
		}
		return err
	}
	return nil
}

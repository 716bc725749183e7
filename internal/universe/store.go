package universe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// CacheFileName is the ticker cache file inside the cache directory.
const CacheFileName = "all_tickers_cache.json"

// Entry is the persisted ticker cache. Exchanges maps each ticker to its
// normalized venue and is absent in caches written without listing venues.
type Entry struct {
	CreatedDate string            `json:"created_date"`
	Tickers     []string          `json:"tickers"`
	Exchanges   map[string]string `json:"exchanges,omitempty"`
}

// Store reads and writes the ticker cache file. It is the only writer of that file.
type Store struct {
	fs   afero.Fs
	dir  string
	path string
}

// NewStore creates a store rooted at dir on fs.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir, path: filepath.Join(dir, CacheFileName)}
}

// Path returns the cache file path.
func (s *Store) Path() string { return s.path }

// Load reads the cache. ok is false when the file does not exist.
func (s *Store) Load() (entry Entry, ok bool, err error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ticker cache: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode ticker cache: %w", err)
	}
	return entry, true, nil
}

// Save replaces the cache. The file is written to a temporary name and renamed
// so readers never observe a partial file.
func (s *Store) Save(entry Entry) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ticker cache: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ticker cache: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace ticker cache: %w", err)
	}
	return nil
}

// Remove deletes the cache. A missing file is not an error.
func (s *Store) Remove() error {
	err := s.fs.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove ticker cache: %w", err)
	}
	return nil
}

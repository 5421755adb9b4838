package preferences

import (
	"fmt"
	"os"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/benmeehan/ota-agent/pkg/file"
)

// Store is a small persisted key/value store for updater preferences.
type Store interface {
	Load() error
	GetString(key, defaultValue string) string
	PutString(key, value string) error
	Remove(key string) error
}

// FileStore keeps preferences in memory and commits every change to a JSON file.
type FileStore struct {
	path       string
	values     cmap.ConcurrentMap[string, string]
	fileClient file.FileOperations
	writeMu    sync.Mutex
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string, fileClient file.FileOperations) *FileStore {
	return &FileStore{
		path:       path,
		values:     cmap.New[string](),
		fileClient: fileClient,
	}
}

// Load reads the preference file. A missing file leaves the store empty.
func (s *FileStore) Load() error {
	stored := map[string]string{}
	if err := s.fileClient.ReadJsonFile(s.path, &stored); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read preferences %s: %w", s.path, err)
	}
	s.values.Clear()
	s.values.MSet(stored)
	return nil
}

// GetString returns the value for key, or defaultValue when unset.
func (s *FileStore) GetString(key, defaultValue string) string {
	if v, ok := s.values.Get(key); ok {
		return v
	}
	return defaultValue
}

// PutString sets key and commits to disk before returning.
func (s *FileStore) PutString(key, value string) error {
	s.values.Set(key, value)
	return s.commit()
}

// Remove deletes key and commits to disk.
func (s *FileStore) Remove(key string) error {
	s.values.Remove(key)
	return s.commit()
}

func (s *FileStore) commit() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.fileClient.WriteJsonFile(s.path, s.values.Items()); err != nil {
		return fmt.Errorf("failed to write preferences %s: %w", s.path, err)
	}
	return nil
}

package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBlobNotFound is returned when no file is stored under a key
var ErrBlobNotFound = errors.New("file not found")

// Storage defines the interface for transient file storage. Files are scoped
// to a session and disappear with it.
type Storage interface {
	// Save stores data under key within a session
	Save(sessionID, key string, data []byte) error

	// Get retrieves a file
	Get(sessionID, key string) ([]byte, error)

	// Delete removes a file
	Delete(sessionID, key string) error

	// DeleteSession removes every file of a session
	DeleteSession(sessionID string) error

	// Close releases the storage
	Close() error
}

// MemoryStorage implements the Storage interface in process memory
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string]map[string][]byte
}

// NewMemoryStorage creates an empty MemoryStorage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string]map[string][]byte)}
}

// Save stores a copy of data
func (m *MemoryStorage) Save(sessionID, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[sessionID]
	if !ok {
		b = make(map[string][]byte)
		m.blobs[sessionID] = b
	}
	b[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored file
func (m *MemoryStorage) Get(sessionID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[sessionID][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", sessionID, key, ErrBlobNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes a file. Deleting a missing file is not an error.
func (m *MemoryStorage) Delete(sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs[sessionID], key)
	return nil
}

// DeleteSession removes every file of a session
func (m *MemoryStorage) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, sessionID)
	return nil
}

// Close drops everything
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs = make(map[string]map[string][]byte)
	return nil
}

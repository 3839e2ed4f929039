// Package store provides the persistent object store used for calibration
// profiles. Objects are opaque byte slices addressed by a 16-bit id.
package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/itohio/goeis/pkg/fault"
)

// ErrNotFound is returned by Load for ids that were never saved.
var ErrNotFound = errors.New("store: object not found")

// Store is a key/value object store.
type Store interface {
	Load(id uint16) ([]byte, error)
	Save(id uint16, data []byte) error
}

// Memory is a volatile store.
type Memory struct {
	mu      sync.RWMutex
	objects map[uint16][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[uint16][]byte)}
}

// Load returns a copy of the object.
func (m *Memory) Load(id uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

// Save stores a copy of data.
func (m *Memory) Save(id uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[id] = append([]byte(nil), data...)
	return nil
}

// File is a store persisted as a YAML document mapping ids to base64
// encoded objects. Every Save rewrites the file.
type File struct {
	path string

	mu      sync.Mutex
	objects map[uint16]string
}

// OpenFile opens the store at path. A missing file yields an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{
		path:    path,
		objects: make(map[uint16]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("%w: failed to read store: %v", fault.ErrResource, err)
	}

	if err := yaml.Unmarshal(data, &f.objects); err != nil {
		return nil, fmt.Errorf("%w: failed to parse store: %v", fault.ErrResource, err)
	}
	if f.objects == nil {
		f.objects = make(map[uint16]string)
	}

	return f, nil
}

// Path returns the backing file name.
func (f *File) Path() string { return f.path }

// Load decodes the object.
func (f *File) Load(id uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoded, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrNotFound, id)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: object 0x%04x is corrupt: %v", fault.ErrResource, id, err)
	}
	return data, nil
}

// Save stores the object and writes the file.
func (f *File) Save(id uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// The object becomes visible only once it is on disk.
	objects := maps.Clone(f.objects)
	objects[id] = base64.StdEncoding.EncodeToString(data)

	out, err := yaml.Marshal(objects)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal store: %v", fault.ErrResource, err)
	}
	if err := os.WriteFile(f.path, out, 0644); err != nil {
		return fmt.Errorf("%w: failed to write store: %v", fault.ErrResource, err)
	}

	f.objects = objects
	return nil
}

// Ensure implementations satisfy Store.
var (
	_ Store = (*Memory)(nil)
	_ Store = (*File)(nil)
)

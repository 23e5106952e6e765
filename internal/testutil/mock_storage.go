// mock_storage.go - In-memory blob storage for testing
package testutil

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gpx-parts/backend/internal/models"
	"github.com/gpx-parts/backend/internal/storage"
)

// MockBlobs implements storage.Blobs in memory. The Fail* fields inject
// errors into the matching operation.
type MockBlobs struct {
	mu        sync.RWMutex
	originals map[string][]byte
	outputs   map[string]map[string][]byte

	FailSaveOriginal   error
	FailRemoveOriginal error
	FailWriteOutputs   error
	FailRemoveOutputs  error
}

// NewMockBlobs creates an empty mock.
func NewMockBlobs() *MockBlobs {
	return &MockBlobs{
		originals: make(map[string][]byte),
		outputs:   make(map[string]map[string][]byte),
	}
}

func (m *MockBlobs) SaveOriginal(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaveOriginal != nil {
		return m.FailSaveOriginal
	}
	m.originals[id] = append([]byte(nil), data...)
	return nil
}

func (m *MockBlobs) ReadOriginal(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.originals[id]
	if !ok {
		return nil, fmt.Errorf("original %s: %w", id, storage.ErrNotFound)
	}
	return data, nil
}

func (m *MockBlobs) RemoveOriginal(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRemoveOriginal != nil {
		return m.FailRemoveOriginal
	}
	delete(m.originals, id)
	return nil
}

func (m *MockBlobs) WriteOutputs(dir string, files []storage.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWriteOutputs != nil {
		return m.FailWriteOutputs
	}
	set := make(map[string][]byte, len(files))
	for _, f := range files {
		set[f.Name] = append([]byte(nil), f.Data...)
	}
	m.outputs[dir] = set
	return nil
}

func (m *MockBlobs) ReadOutput(dir, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.outputs[dir][name]
	if !ok {
		return nil, fmt.Errorf("output %s/%s: %w", dir, name, storage.ErrNotFound)
	}
	return data, nil
}

// OutputPath has no disk to point at; it only reports existence.
func (m *MockBlobs) OutputPath(dir, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.outputs[dir][name]; !ok {
		return "", fmt.Errorf("output %s/%s: %w", dir, name, storage.ErrNotFound)
	}
	return "/mock/processed/" + dir + "/" + name, nil
}

func (m *MockBlobs) ListOutputs(dir string) ([]models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.outputs[dir]
	if !ok {
		return nil, fmt.Errorf("output directory %s: %w", dir, storage.ErrNotFound)
	}
	var list []models.FileInfo
	for name, data := range set {
		if strings.HasPrefix(name, ".") {
			continue
		}
		list = append(list, models.FileInfo{Name: name, Size: int64(len(data)), ModifiedAt: time.Now()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (m *MockBlobs) OutputDirExists(dir string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.outputs[dir]
	return ok
}

func (m *MockBlobs) RemoveOutputs(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRemoveOutputs != nil {
		return m.FailRemoveOutputs
	}
	delete(m.outputs, dir)
	return nil
}

// Ensure MockBlobs implements storage.Blobs
var _ storage.Blobs = (*MockBlobs)(nil)

// Test Helper Methods

// HasOriginal reports whether an original is stored for id.
func (m *MockBlobs) HasOriginal(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.originals[id]
	return ok
}

// OriginalCount returns the number of stored originals.
func (m *MockBlobs) OriginalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.originals)
}

// ErrInjected is a ready-made failure for the Fail* fields.
var ErrInjected = errors.New("injected storage failure")

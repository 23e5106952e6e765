package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gpx-parts/backend/internal/models"
)

// ErrNotFound is returned when a requested blob does not exist.
var ErrNotFound = errors.New("storage: not found")

// File is one named blob written into an output directory.
type File struct {
	Name string
	Data []byte
}

// Blobs defines the on-disk layout behind the archive: one original per
// entry and one directory of extracted outputs per processed entry.
type Blobs interface {
	SaveOriginal(id string, data []byte) error
	ReadOriginal(id string) ([]byte, error)
	RemoveOriginal(id string) error

	WriteOutputs(dir string, files []File) error
	ReadOutput(dir, name string) ([]byte, error)
	OutputPath(dir, name string) (string, error)
	ListOutputs(dir string) ([]models.FileInfo, error)
	OutputDirExists(dir string) bool
	RemoveOutputs(dir string) error
}

// LocalStore implements Blobs on the local filesystem.
type LocalStore struct {
	mu           sync.RWMutex
	originalsDir string
	processedDir string
}

// NewLocalStore creates both directories if needed.
func NewLocalStore(originalsDir, processedDir string) (*LocalStore, error) {
	for _, dir := range []string{originalsDir, processedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	return &LocalStore{
		originalsDir: originalsDir,
		processedDir: processedDir,
	}, nil
}

func (s *LocalStore) originalPath(id string) (string, error) {
	if err := checkName(id); err != nil {
		return "", err
	}
	return filepath.Join(s.originalsDir, id+".gpx"), nil
}

// SaveOriginal stores the uploaded bytes for id, replacing any previous copy.
func (s *LocalStore) SaveOriginal(id string, data []byte) error {
	path, err := s.originalPath(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(path, data)
}

// ReadOriginal returns the stored bytes for id.
func (s *LocalStore) ReadOriginal(id string) ([]byte, error) {
	path, err := s.originalPath(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("original %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading original: %w", err)
	}
	return data, nil
}

// RemoveOriginal deletes the stored bytes for id. Missing files are ignored.
func (s *LocalStore) RemoveOriginal(id string) error {
	path, err := s.originalPath(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting original: %w", err)
	}
	return nil
}

// WriteOutputs replaces dir with files. Everything is written to a staging
// directory first so readers never see a half-written set.
func (s *LocalStore) WriteOutputs(dir string, files []File) error {
	if err := checkName(dir); err != nil {
		return err
	}
	for _, f := range files {
		if err := checkName(f.Name); err != nil {
			return err
		}
	}

	staging := filepath.Join(s.processedDir, ".staging-"+uuid.New().String())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(staging, f.Name), f.Data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}

	final := filepath.Join(s.processedDir, dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("clearing output directory: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("publishing output directory: %w", err)
	}
	return nil
}

// ReadOutput returns the contents of one output file.
func (s *LocalStore) ReadOutput(dir, name string) ([]byte, error) {
	path, err := s.OutputPath(dir, name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}
	return data, nil
}

// OutputPath returns the absolute path of an existing output file.
func (s *LocalStore) OutputPath(dir, name string) (string, error) {
	if err := checkName(dir); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.processedDir, dir, name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("output %s/%s: %w", dir, name, ErrNotFound)
	}
	return path, nil
}

// ListOutputs returns the visible files in dir sorted by name.
func (s *LocalStore) ListOutputs(dir string) ([]models.FileInfo, error) {
	if err := checkName(dir); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.processedDir, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("output directory %s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}

	var list []models.FileInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, models.FileInfo{
			Name:       e.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// OutputDirExists reports whether dir has been written.
func (s *LocalStore) OutputDirExists(dir string) bool {
	if checkName(dir) != nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(filepath.Join(s.processedDir, dir))
	return err == nil && info.IsDir()
}

// RemoveOutputs deletes dir and everything in it.
func (s *LocalStore) RemoveOutputs(dir string) error {
	if err := checkName(dir); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.processedDir, dir)); err != nil {
		return fmt.Errorf("deleting outputs: %w", err)
	}
	return nil
}

// checkName rejects anything that is not a single path element.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid name %q: %w", name, ErrNotFound)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.New().String()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

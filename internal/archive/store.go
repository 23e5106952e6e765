// Package archive owns the persisted originals, extracted outputs and
// per-entry metadata, and decides whether an upload is new, a newer
// version or a repeat.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/models"
	"github.com/gpx-parts/backend/internal/storage"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// Options configures a Store.
type Options struct {
	// LockDir, when set, is guarded by an advisory file lock so two
	// processes never share one archive.
	LockDir string
	// ShortNamePattern optionally narrows filename stems before sanitizing.
	ShortNamePattern *regexp.Regexp
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Store is the single writer of archive state.
type Store struct {
	index     *Index
	blobs     storage.Blobs
	locks     *lockTable
	fileLock  *flock.Flock
	shortName *regexp.Regexp
	log       zerolog.Logger
	now       func() time.Time
}

// Open wraps an index and blob store.
func Open(index *Index, blobs storage.Blobs, opts Options) (*Store, error) {
	s := &Store{
		index:     index,
		blobs:     blobs,
		locks:     newLockTable(),
		shortName: opts.ShortNamePattern,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if opts.LockDir != "" {
		if err := os.MkdirAll(opts.LockDir, 0755); err != nil {
			return nil, fmt.Errorf("creating lock directory: %w", err)
		}
		s.fileLock = flock.New(filepath.Join(opts.LockDir, "archive.lock"))
		ok, err := s.fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking archive: %w", err)
		}
		if !ok {
			return nil, ErrLocked
		}
	}
	return s, nil
}

// Close releases the file lock and the index.
func (s *Store) Close() error {
	err := s.index.Close()
	if s.fileLock != nil {
		if uerr := s.fileLock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// Incoming is an upload that passed validation.
type Incoming struct {
	Filename   string
	Data       []byte
	Header     *gpx.Header
	ReceivedAt time.Time
}

// UpsertResult reports the dedup decision.
type UpsertResult struct {
	Entry  *models.ArchiveEntry
	Action models.UploadAction
	// Superseded is the unique id a Replaced upload took over from.
	Superseded string
}

// Identify derives the identity of an upload using the store's settings.
func (s *Store) Identify(filename string, header *gpx.Header, receivedAt time.Time) Identity {
	return Identify(filename, header, receivedAt, s.shortName)
}

// Upsert applies the dedup policy: an upload whose build date is not newer
// than the existing entry with the same clean name is skipped, a newer one
// replaces it, anything else creates a new entry in the uploaded state.
// An existing entry dated by its receipt day is replaced by any upload that
// declares a build date.
func (s *Store) Upsert(ctx context.Context, in Incoming) (*UpsertResult, error) {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now()
	}
	id := s.Identify(in.Filename, in.Header, in.ReceivedAt)

	unlockName := s.locks.lock(nameKey(id.CleanName))
	defer unlockName()

	existing, err := s.index.FindByCleanName(ctx, id.CleanName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil && !supersedes(id, existing) {
		s.log.Info().
			Str("unique_id", existing.UniqueID).
			Str("incoming_build_date", id.BuildDate.Format(models.BuildDateLayout)).
			Msg("Upload skipped, archive already has this or a newer version")
		return &UpsertResult{Entry: existing, Action: models.ActionSkipped}, nil
	}

	now := s.now().UTC()
	entry := &models.ArchiveEntry{
		UniqueID:         id.UniqueID,
		OriginalFilename: filepath.Base(in.Filename),
		CleanName:        id.CleanName,
		BuildDate:        id.BuildDate,
		DateDeclared:     id.Declared,
		Status:           models.EntryStatusUploaded,
		ContentHash:      contentHash(in.Data),
		SizeBytes:        int64(len(in.Data)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if existing == nil {
		unlockID := s.locks.lock(idKey(entry.UniqueID))
		defer unlockID()

		if err := s.blobs.SaveOriginal(entry.UniqueID, in.Data); err != nil {
			return nil, fmt.Errorf("storing original: %w", err)
		}
		if err := s.index.Insert(ctx, entry); err != nil {
			if rerr := s.blobs.RemoveOriginal(entry.UniqueID); rerr != nil {
				s.log.Warn().Err(rerr).Str("unique_id", entry.UniqueID).Msg("Failed to remove original after insert error")
			}
			return nil, err
		}
		s.log.Info().Str("unique_id", entry.UniqueID).Int64("size", entry.SizeBytes).Msg("Archive entry created")
		return &UpsertResult{Entry: entry, Action: models.ActionCreated}, nil
	}

	unlock := s.lockIDs(existing.UniqueID, entry.UniqueID)
	defer unlock()

	// Description is user-authored and survives a version bump.
	entry.Description = existing.Description
	entry.CreatedAt = existing.CreatedAt

	if err := s.blobs.SaveOriginal(entry.UniqueID, in.Data); err != nil {
		return nil, fmt.Errorf("storing original: %w", err)
	}
	if err := s.index.Replace(ctx, existing.UniqueID, entry); err != nil {
		if rerr := s.blobs.RemoveOriginal(entry.UniqueID); rerr != nil {
			s.log.Warn().Err(rerr).Str("unique_id", entry.UniqueID).Msg("Failed to remove original after replace error")
		}
		return nil, err
	}
	if existing.UniqueID == entry.UniqueID {
		// The new original already overwrote the old one.
		if err := s.blobs.RemoveOutputs(existing.UniqueID); err != nil {
			s.log.Error().Err(err).Str("unique_id", existing.UniqueID).Msg("Failed to remove outputs, leaving orphan")
		}
	} else {
		s.removeBlobs(existing)
	}

	s.log.Info().
		Str("unique_id", entry.UniqueID).
		Str("superseded", existing.UniqueID).
		Msg("Archive entry replaced by newer version")
	return &UpsertResult{Entry: entry, Action: models.ActionReplaced, Superseded: existing.UniqueID}, nil
}

func supersedes(id Identity, existing *models.ArchiveEntry) bool {
	if id.Declared && !existing.DateDeclared {
		return true
	}
	return id.BuildDate.After(existing.BuildDate)
}

// lockIDs takes two id locks in a fixed order.
func (s *Store) lockIDs(a, b string) func() {
	if a == b {
		return s.locks.lock(idKey(a))
	}
	keys := []string{a, b}
	sort.Strings(keys)
	first := s.locks.lock(idKey(keys[0]))
	second := s.locks.lock(idKey(keys[1]))
	return func() {
		second()
		first()
	}
}

// Get returns the entry or ErrNotFound.
func (s *Store) Get(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error) {
	return s.index.Get(ctx, uniqueID)
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]*models.ArchiveEntry, error) {
	return s.index.List(ctx)
}

// ReadOriginal returns the stored upload bytes.
func (s *Store) ReadOriginal(ctx context.Context, uniqueID string) ([]byte, error) {
	if _, err := s.index.Get(ctx, uniqueID); err != nil {
		return nil, err
	}
	data, err := s.blobs.ReadOriginal(uniqueID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("original of %s: %w", uniqueID, ErrNotFound)
	}
	return data, err
}

// transition loads the entry under its id lock, applies fn and saves it.
func (s *Store) transition(ctx context.Context, uniqueID string, fn func(e *models.ArchiveEntry) error) (*models.ArchiveEntry, error) {
	unlock := s.locks.lock(idKey(uniqueID))
	defer unlock()

	e, err := s.index.Get(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = s.now().UTC()
	if err := s.index.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkQueued records that a job has been scheduled for the entry.
func (s *Store) MarkQueued(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error) {
	return s.transition(ctx, uniqueID, func(e *models.ArchiveEntry) error {
		e.Status = models.EntryStatusQueued
		e.OutputDirectory = ""
		e.ErrorMessage = ""
		return nil
	})
}

// MarkProcessing records that the job has started.
func (s *Store) MarkProcessing(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error) {
	return s.transition(ctx, uniqueID, func(e *models.ArchiveEntry) error {
		e.Status = models.EntryStatusProcessing
		e.OutputDirectory = ""
		return nil
	})
}

// MarkFailed records a failed extraction.
func (s *Store) MarkFailed(ctx context.Context, uniqueID string, message string) (*models.ArchiveEntry, error) {
	return s.transition(ctx, uniqueID, func(e *models.ArchiveEntry) error {
		e.Status = models.EntryStatusFailed
		e.OutputDirectory = ""
		e.ErrorMessage = message
		return nil
	})
}

// CompleteExtraction publishes res as the entry's outputs and marks it
// ready. The outputs directory is named after the unique id.
func (s *Store) CompleteExtraction(ctx context.Context, uniqueID string, res *gpx.Result) (*models.ArchiveEntry, error) {
	return s.transition(ctx, uniqueID, func(e *models.ArchiveEntry) error {
		m, err := newManifest(e, res, s.now()).encode()
		if err != nil {
			return err
		}

		all := res.All()
		files := make([]storage.File, 0, len(all)+1)
		for _, f := range all {
			files = append(files, storage.File{Name: f.Name, Data: f.Content})
		}
		files = append(files, storage.File{Name: manifestName, Data: m})

		if err := s.blobs.WriteOutputs(e.UniqueID, files); err != nil {
			return fmt.Errorf("writing outputs: %w", err)
		}

		e.Status = models.EntryStatusReady
		e.OutputDirectory = e.UniqueID
		e.ErrorMessage = ""
		return nil
	})
}

// UpdateDescription sets the free-text description.
func (s *Store) UpdateDescription(ctx context.Context, uniqueID, description string) (*models.ArchiveEntry, error) {
	return s.transition(ctx, uniqueID, func(e *models.ArchiveEntry) error {
		e.Description = description
		return nil
	})
}

// Remove deletes the metadata record, then the original and the outputs.
// Once the record is gone the entry is invisible, so blob removal errors
// are only logged.
func (s *Store) Remove(ctx context.Context, uniqueID string) error {
	e, err := s.index.Get(ctx, uniqueID)
	if err != nil {
		return err
	}

	unlockName := s.locks.lock(nameKey(e.CleanName))
	defer unlockName()
	unlockID := s.locks.lock(idKey(uniqueID))
	defer unlockID()

	if err := s.index.Delete(ctx, uniqueID); err != nil {
		return err
	}
	s.removeBlobs(e)

	s.log.Info().Str("unique_id", uniqueID).Msg("Archive entry deleted")
	return nil
}

func (s *Store) removeBlobs(e *models.ArchiveEntry) {
	if err := s.blobs.RemoveOriginal(e.UniqueID); err != nil {
		s.log.Error().Err(err).Str("unique_id", e.UniqueID).Msg("Failed to remove original, leaving orphan")
	}
	if err := s.blobs.RemoveOutputs(e.UniqueID); err != nil {
		s.log.Error().Err(err).Str("unique_id", e.UniqueID).Msg("Failed to remove outputs, leaving orphan")
	}
}

// Outputs lists a ready entry's files with their kinds and sizes.
func (s *Store) Outputs(ctx context.Context, uniqueID string) ([]models.OutputFile, error) {
	e, err := s.readyEntry(ctx, uniqueID)
	if err != nil {
		return nil, err
	}

	if !s.blobs.OutputDirExists(e.OutputDirectory) {
		return nil, fmt.Errorf("outputs of %s: %w", uniqueID, ErrOutputsMissing)
	}
	listed, err := s.blobs.ListOutputs(e.OutputDirectory)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("outputs of %s: %w", uniqueID, ErrOutputsMissing)
		}
		return nil, err
	}

	known := map[string]models.OutputFile{}
	if data, err := s.blobs.ReadOutput(e.OutputDirectory, manifestName); err == nil {
		if m, err := decodeManifest(data); err == nil {
			for _, f := range m.Files {
				known[f.Name] = f
			}
		} else {
			s.log.Warn().Err(err).Str("unique_id", uniqueID).Msg("Ignoring unreadable manifest")
		}
	}

	out := make([]models.OutputFile, 0, len(listed))
	for _, fi := range listed {
		f, ok := known[fi.Name]
		if !ok {
			f = models.OutputFile{Name: fi.Name, Kind: inferKind(fi.Name)}
		}
		f.Size = fi.Size
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return kindRank(out[i].Kind) < kindRank(out[j].Kind)
	})
	return out, nil
}

func kindRank(kind string) int {
	switch gpx.Kind(kind) {
	case gpx.KindMarkers:
		return 0
	case gpx.KindTrack:
		return 1
	case gpx.KindRoute:
		return 2
	default:
		return 3
	}
}

func (s *Store) readyEntry(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error) {
	e, err := s.index.Get(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	if !e.Ready() {
		return nil, fmt.Errorf("%s is %s: %w", uniqueID, e.Status, ErrNotReady)
	}
	return e, nil
}

// OutputPath resolves one output file of a ready entry.
func (s *Store) OutputPath(ctx context.Context, uniqueID, name string) (string, error) {
	e, err := s.readyEntry(ctx, uniqueID)
	if err != nil {
		return "", err
	}
	if name == manifestName {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	path, err := s.blobs.OutputPath(e.OutputDirectory, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%s/%s: %w", uniqueID, name, ErrNotFound)
	}
	return path, err
}

// ReadOutput returns the contents of one output file of a ready entry.
func (s *Store) ReadOutput(ctx context.Context, uniqueID, name string) ([]byte, error) {
	e, err := s.readyEntry(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	if name == manifestName {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	data, err := s.blobs.ReadOutput(e.OutputDirectory, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", uniqueID, name, ErrNotFound)
	}
	return data, err
}

func contentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

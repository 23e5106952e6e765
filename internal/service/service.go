// Package service ties the archive store, the job runner and the delete
// gate together behind the operations the HTTP layer and tools call.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/gpx-parts/backend/internal/archive"
	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/jobs"
	"github.com/gpx-parts/backend/internal/models"
	"github.com/rs/zerolog"
)

// MaxDescriptionLength caps entry descriptions, in characters.
const MaxDescriptionLength = 2000

// ValidationError reports a request that was rejected before touching the
// archive.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Config holds the upload and download limits.
type Config struct {
	MaxUploadSize     int64
	AllowedExtensions []string
	// AutoProcess queues extraction as soon as an upload is stored.
	AutoProcess bool
	// CompressionLevel is the deflate level for zip downloads. Zero stores
	// files uncompressed.
	CompressionLevel int
}

// Service is the application layer over the archive.
type Service struct {
	store  *archive.Store
	runner *jobs.Runner
	gate   *archive.Gate
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a service.
func New(store *archive.Store, runner *jobs.Runner, gate *archive.Gate, cfg Config, log zerolog.Logger) *Service {
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".gpx"}
	}
	return &Service{
		store:  store,
		runner: runner,
		gate:   gate,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// UploadResult is the outcome of one upload.
type UploadResult struct {
	Entry  models.EntrySummary `json:"entry"`
	Action models.UploadAction `json:"action"`
	// Superseded is the unique id a replaced upload took over from.
	Superseded string      `json:"superseded,omitempty"`
	Job        *models.Job `json:"job,omitempty"`
	Message    string      `json:"message"`
}

// Upload validates and stores an uploaded file. New and newer versions
// are queued for extraction when AutoProcess is set.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	if err := s.checkFilename(filename); err != nil {
		return nil, err
	}

	data, err := s.readLimited(r)
	if err != nil {
		return nil, err
	}

	receivedAt := s.now()
	header, err := gpx.ReadHeader(data)
	if err != nil {
		// The extraction job reports the parse error; identity falls back
		// to the receipt day.
		s.log.Warn().Err(err).Str("filename", filename).Msg("Could not read GPX header, using receipt time")
		header = nil
	}

	up, err := s.store.Upsert(ctx, archive.Incoming{
		Filename:   filename,
		Data:       data,
		Header:     header,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return nil, err
	}

	res := &UploadResult{
		Entry:      up.Entry.Summary(),
		Action:     up.Action,
		Superseded: up.Superseded,
	}

	switch up.Action {
	case models.ActionSkipped:
		res.Message = fmt.Sprintf("%s is already archived with the same or a newer build date", up.Entry.DisplayName())
		if job, ok := s.runner.ActiveFor(up.Entry.UniqueID); ok {
			res.Job = &job
		}
		return res, nil
	case models.ActionReplaced:
		res.Message = fmt.Sprintf("Replaced %s with a newer version", up.Superseded)
	default:
		res.Message = fmt.Sprintf("Archived %s", up.Entry.DisplayName())
	}

	if s.cfg.AutoProcess {
		job, _, err := s.runner.Enqueue(ctx, up.Entry.UniqueID)
		if err != nil {
			// The upload itself is stored; processing can be requested later.
			s.log.Warn().Err(err).Str("unique_id", up.Entry.UniqueID).Msg("Could not queue extraction after upload")
		} else {
			res.Job = &job
			res.Entry.Status = models.EntryStatusQueued
		}
	}
	return res, nil
}

func (s *Service) checkFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return &ValidationError{Field: "file", Message: "no file selected"}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range s.cfg.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return &ValidationError{
		Field:   "file",
		Message: fmt.Sprintf("file type %q is not allowed, expected one of %s", ext, strings.Join(s.cfg.AllowedExtensions, ", ")),
	}
}

func (s *Service) readLimited(r io.Reader) ([]byte, error) {
	if s.cfg.MaxUploadSize > 0 {
		r = io.LimitReader(r, s.cfg.MaxUploadSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if s.cfg.MaxUploadSize > 0 && int64(len(data)) > s.cfg.MaxUploadSize {
		return nil, &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("file exceeds the maximum upload size of %s", humanize.Bytes(uint64(s.cfg.MaxUploadSize))),
		}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: "file", Message: "file is empty"}
	}
	return data, nil
}

// Selection is the answer to a request to open an entry. Ready entries
// carry their output files; others carry the extraction job.
type Selection struct {
	Entry     models.EntrySummary `json:"entry"`
	Ready     bool                `json:"ready"`
	Redirect  string              `json:"redirect,omitempty"`
	Files     []models.OutputFile `json:"files,omitempty"`
	Job       *models.Job         `json:"job,omitempty"`
	Coalesced bool                `json:"coalesced,omitempty"`
}

// Select returns the outputs of a ready entry or starts extracting it.
func (s *Service) Select(ctx context.Context, uniqueID string) (*Selection, error) {
	entry, err := s.store.Get(ctx, uniqueID)
	if err != nil {
		return nil, err
	}

	if entry.Ready() {
		files, err := s.store.Outputs(ctx, uniqueID)
		switch {
		case err == nil:
			return &Selection{
				Entry:    entry.Summary(),
				Ready:    true,
				Redirect: "/api/entries/" + uniqueID,
				Files:    files,
			}, nil
		case errors.Is(err, archive.ErrOutputsMissing):
			s.log.Warn().Str("unique_id", uniqueID).Msg("Outputs missing for ready entry, extracting again")
		default:
			return nil, err
		}
	}

	job, coalesced, err := s.runner.Enqueue(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	sel := &Selection{Entry: entry.Summary(), Job: &job, Coalesced: coalesced}
	sel.Entry.Status = models.EntryStatusQueued
	if coalesced {
		if fresh, err := s.store.Get(ctx, uniqueID); err == nil {
			sel.Entry = fresh.Summary()
		}
	}
	return sel, nil
}

// JobStatus returns a snapshot of a job.
func (s *Service) JobStatus(jobID string) (models.Job, error) {
	job, ok := s.runner.Get(jobID)
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrJobNotFound)
	}
	return job, nil
}

// List returns every entry, newest upload first.
func (s *Service) List(ctx context.Context) ([]models.EntrySummary, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.EntrySummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Summary())
	}
	return out, nil
}

// EntryDetail is an entry with its outputs and any running job.
type EntryDetail struct {
	models.EntrySummary
	ContentHash  string              `json:"contentHash,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Files        []models.OutputFile `json:"files"`
	Job          *models.Job         `json:"job,omitempty"`
}

// Entry returns the detail view of one entry.
func (s *Service) Entry(ctx context.Context, uniqueID string) (*EntryDetail, error) {
	e, err := s.store.Get(ctx, uniqueID)
	if err != nil {
		return nil, err
	}

	d := &EntryDetail{
		EntrySummary: e.Summary(),
		ContentHash:  e.ContentHash,
		ErrorMessage: e.ErrorMessage,
		Files:        []models.OutputFile{},
	}
	if e.Ready() {
		files, err := s.store.Outputs(ctx, uniqueID)
		if err != nil && !errors.Is(err, archive.ErrOutputsMissing) {
			return nil, err
		}
		if files != nil {
			d.Files = files
		}
	}
	if job, ok := s.runner.ActiveFor(uniqueID); ok {
		d.Job = &job
	}
	return d, nil
}

// OutputPath resolves one output file for download.
func (s *Service) OutputPath(ctx context.Context, uniqueID, name string) (string, error) {
	return s.store.OutputPath(ctx, uniqueID, name)
}

// ReadOutput returns one output file.
func (s *Service) ReadOutput(ctx context.Context, uniqueID, name string) ([]byte, error) {
	return s.store.ReadOutput(ctx, uniqueID, name)
}

// UpdateDescription sets an entry's free-text description.
func (s *Service) UpdateDescription(ctx context.Context, uniqueID, description string) (models.EntrySummary, error) {
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return models.EntrySummary{}, &ValidationError{
			Field:   "description",
			Message: fmt.Sprintf("must be at most %d characters", MaxDescriptionLength),
		}
	}
	e, err := s.store.UpdateDescription(ctx, uniqueID, description)
	if err != nil {
		return models.EntrySummary{}, err
	}
	return e.Summary(), nil
}

// Delete removes an entry if token is the configured delete secret.
func (s *Service) Delete(ctx context.Context, uniqueID, token string) error {
	return s.gate.Delete(ctx, uniqueID, token)
}

// DeletionEnabled reports whether deletes can ever succeed.
func (s *Service) DeletionEnabled() bool {
	return s.gate.Enabled()
}

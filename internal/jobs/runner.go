// Package jobs runs GPX extractions in the background and tracks their
// progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gpx-parts/backend/internal/archive"
	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/models"
	"github.com/rs/zerolog"
)

// Archive is what the runner needs from the archive store.
type Archive interface {
	Get(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error)
	ReadOriginal(ctx context.Context, uniqueID string) ([]byte, error)
	MarkQueued(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error)
	MarkProcessing(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error)
	MarkFailed(ctx context.Context, uniqueID, message string) (*models.ArchiveEntry, error)
	CompleteExtraction(ctx context.Context, uniqueID string, res *gpx.Result) (*models.ArchiveEntry, error)
}

// Config sizes the runner.
type Config struct {
	Workers   int
	QueueSize int
	// RenderConcurrency bounds parallel rendering inside one job.
	RenderConcurrency int
}

// phase bounds on the 0-100 progress scale.
var phases = map[models.JobPhase]struct {
	start, end int
	label      string
}{
	models.PhaseUploading:   {0, 10, "Reading upload"},
	models.PhaseParsing:     {10, 40, "Parsing GPX"},
	models.PhaseExtracting:  {40, 90, "Extracting components"},
	models.PhaseSummarizing: {90, 100, "Writing summary"},
}

type jobState struct {
	job  models.Job
	done chan struct{}
}

// Runner executes extraction jobs on a worker pool. At most one
// unfinished job exists per unique id.
type Runner struct {
	mu      sync.RWMutex
	jobs    map[string]*jobState
	active  map[string]string
	archive Archive
	pool    *Pool
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// NewRunner creates a runner. Call Start before enqueuing.
func NewRunner(a Archive, cfg Config, log zerolog.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	return &Runner{
		jobs:    make(map[string]*jobState),
		active:  make(map[string]string),
		archive: a,
		pool:    NewPool(cfg.Workers, cfg.QueueSize, log),
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Start launches the workers.
func (r *Runner) Start(ctx context.Context) {
	r.pool.Start(ctx)
}

// Stop waits for queued and running jobs to finish.
func (r *Runner) Stop() {
	r.pool.Stop()
}

// Enqueue schedules an extraction of uniqueID. If one is already queued or
// running, that job is returned with coalesced set. When the queue is full
// no job is recorded and the entry is left untouched.
func (r *Runner) Enqueue(ctx context.Context, uniqueID string) (job models.Job, coalesced bool, err error) {
	r.mu.Lock()
	if jobID, ok := r.active[uniqueID]; ok {
		job = r.jobs[jobID].job
		r.mu.Unlock()
		return job, true, nil
	}

	js := &jobState{
		job: models.Job{
			ID:         uuid.New().String(),
			UniqueID:   uniqueID,
			State:      models.JobStateQueued,
			Phase:      models.PhaseUploading,
			PhaseLabel: "Queued",
			CreatedAt:  r.now(),
		},
		done: make(chan struct{}),
	}

	// The task may be picked up before the entry is marked queued; it
	// waits here so the entry never goes processing before queued.
	admitted := make(chan struct{})
	err = r.pool.Submit(func(ctx context.Context) error {
		<-admitted
		r.run(ctx, js)
		return nil
	})
	if err != nil {
		r.mu.Unlock()
		return models.Job{}, false, err
	}
	r.jobs[js.job.ID] = js
	r.active[uniqueID] = js.job.ID
	job = js.job
	r.mu.Unlock()

	defer close(admitted)
	if _, err := r.archive.MarkQueued(ctx, uniqueID); err != nil {
		r.fail(ctx, js, err)
		return r.snapshot(js), false, err
	}

	r.log.Info().Str("job_id", job.ID).Str("unique_id", uniqueID).Msg("Extraction job queued")
	return job, false, nil
}

// Get returns a copy of the job.
func (r *Runner) Get(jobID string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	return js.job, true
}

// ActiveFor returns the unfinished job for uniqueID, if any.
func (r *Runner) ActiveFor(uniqueID string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobID, ok := r.active[uniqueID]
	if !ok {
		return models.Job{}, false
	}
	return r.jobs[jobID].job, true
}

// Wait blocks until the job finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, jobID string) (models.Job, error) {
	r.mu.RLock()
	js, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}

	select {
	case <-js.done:
		return r.snapshot(js), nil
	case <-ctx.Done():
		return r.snapshot(js), ctx.Err()
	}
}

func (r *Runner) snapshot(js *jobState) models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return js.job
}

func (r *Runner) run(ctx context.Context, js *jobState) {
	id := js.job.UniqueID
	log := r.log.With().Str("job_id", js.job.ID).Str("unique_id", id).Logger()

	if j := r.snapshot(js); j.Terminal() {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Extraction job panicked")
			r.fail(ctx, js, fmt.Errorf("internal error: %v", p))
		}
	}()

	r.markRunning(js)
	log.Info().Msg("Extraction job started")
	started := time.Now()

	entry, err := r.archive.Get(ctx, id)
	if err != nil {
		r.fail(ctx, js, err)
		return
	}
	data, err := r.archive.ReadOriginal(ctx, id)
	if err != nil {
		r.fail(ctx, js, err)
		return
	}
	if _, err := r.archive.MarkProcessing(ctx, id); err != nil {
		r.fail(ctx, js, err)
		return
	}
	r.progress(js, models.PhaseUploading, 100)

	r.progress(js, models.PhaseParsing, 0)
	doc, err := gpx.Parse(data)
	if err != nil {
		r.fail(ctx, js, err)
		return
	}
	r.progress(js, models.PhaseParsing, 100)

	opts := gpx.Options{
		SourceName:  entry.OriginalFilename,
		BaseName:    entry.CleanName,
		GeneratedAt: r.now(),
		Concurrency: r.cfg.RenderConcurrency,
	}
	r.progress(js, models.PhaseExtracting, 0)
	res, err := gpx.Extract(ctx, doc, opts, func(done, total int) {
		r.progress(js, models.PhaseExtracting, done*100/total)
	})
	if err != nil {
		r.fail(ctx, js, err)
		return
	}

	r.progress(js, models.PhaseSummarizing, 0)
	gpx.Summarize(doc, res, opts)
	r.progress(js, models.PhaseSummarizing, 50)
	if _, err := r.archive.CompleteExtraction(ctx, id, res); err != nil {
		r.fail(ctx, js, err)
		return
	}

	r.finish(js)
	log.Info().
		Int("files", len(res.Files)).
		Int("markers", res.Totals.Markers).
		Int("tracks", res.Totals.Tracks).
		Int("routes", res.Totals.Routes).
		Dur("elapsed", time.Since(started)).
		Msg("Extraction job succeeded")
}

func (r *Runner) markRunning(js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	js.job.State = models.JobStateRunning
	js.job.StartedAt = &now
	js.job.Phase = models.PhaseUploading
	js.job.PhaseLabel = phases[models.PhaseUploading].label
}

// progress moves the job to pct percent through phase. Overall progress
// never goes backwards.
func (r *Runner) progress(js *jobState, phase models.JobPhase, pct int) {
	bounds := phases[phase]
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	overall := bounds.start + (bounds.end-bounds.start)*pct/100

	r.mu.Lock()
	defer r.mu.Unlock()
	if js.job.Terminal() {
		return
	}
	js.job.Phase = phase
	js.job.PhaseLabel = bounds.label
	if overall > js.job.Progress {
		js.job.Progress = overall
	}
}

func (r *Runner) finish(js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if js.job.Terminal() {
		return
	}
	now := r.now()
	js.job.State = models.JobStateSucceeded
	js.job.Progress = 100
	js.job.PhaseLabel = "Done"
	js.job.FinishedAt = &now
	r.release(js)
}

// fail records err on the entry, if it still exists, and then on the job.
// The entry is failed before the job turns terminal and frees the unique id.
func (r *Runner) fail(ctx context.Context, js *jobState, err error) {
	msg := err.Error()
	gone := errors.Is(err, archive.ErrNotFound)
	if gone {
		msg = "entry no longer exists"
	}

	if j := r.snapshot(js); j.Terminal() {
		return
	}

	r.log.Error().Err(err).Str("job_id", js.job.ID).Str("unique_id", js.job.UniqueID).Msg("Extraction job failed")

	if !gone {
		if _, merr := r.archive.MarkFailed(ctx, js.job.UniqueID, msg); merr != nil && !errors.Is(merr, archive.ErrNotFound) {
			r.log.Error().Err(merr).Str("unique_id", js.job.UniqueID).Msg("Failed to record job failure on entry")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if js.job.Terminal() {
		return
	}
	now := r.now()
	js.job.State = models.JobStateFailed
	js.job.Error = msg
	js.job.PhaseLabel = "Failed"
	js.job.FinishedAt = &now
	r.release(js)
}

// release must be called with r.mu held.
func (r *Runner) release(js *jobState) {
	if r.active[js.job.UniqueID] == js.job.ID {
		delete(r.active, js.job.UniqueID)
	}
	close(js.done)
}

// CleanupOldJobs forgets finished jobs older than maxAge.
func (r *Runner) CleanupOldJobs(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, js := range r.jobs {
		if js.job.Terminal() && js.job.FinishedAt != nil && js.job.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug().Int("removed", removed).Msg("Cleaned up finished jobs")
	}
	return removed
}

// Package dispatch polls the job store and delivers notifications to the
// downstream webhook under a fixed concurrency cap, feeding failures back
// through the retry backoff table.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"lampbridge/internal/storage"
)

// JobStore is the slice of the persistence contract the dispatcher needs.
type JobStore interface {
	GetIncompleteJobs(ctx context.Context, maxRetry int, jobType storage.JobType) ([]storage.Job, error)
	UpdateRetryCount(ctx context.Context, id int64, newCount, expectedOld int, nextRetry int64) error
	UpdateSuccess(ctx context.Context, id int64) error
	UpdateFailed(ctx context.Context, id int64) error
}

// Config controls one dispatch loop. Each job type runs its own Worker on
// its own interval; batches never overlap within a Worker.
type Config struct {
	JobType      storage.JobType
	WebhookURL   string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
	MaxRetry     int // default 6
	Concurrency  int // default 10
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 6
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

type Worker struct {
	cfg     Config
	store   JobStore
	client  *http.Client
	log     zerolog.Logger
	permits chan struct{}

	now func() time.Time // test hook
}

func New(cfg Config, store JobStore, log zerolog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:     cfg,
		store:   store,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log.With().Str("component", "dispatch").Str("job_type", string(cfg.JobType)).Logger(),
		permits: make(chan struct{}, cfg.Concurrency),
		now:     time.Now,
	}
}

// Run polls until ctx is canceled. Per-job errors never abort the loop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

// runCycle fetches one batch and delivers it. The WaitGroup is the join
// barrier: the next poll never starts while deliveries are in flight.
func (w *Worker) runCycle(ctx context.Context) {
	jobs, err := w.store.GetIncompleteJobs(ctx, w.cfg.MaxRetry, w.cfg.JobType)
	if err != nil {
		w.log.Error().Err(err).Msg("fetch incomplete jobs failed")
		return
	}
	if len(jobs) == 0 {
		return
	}
	w.log.Debug().Int("jobs", len(jobs)).Msg("dispatching batch")

	var wg sync.WaitGroup
	for _, job := range jobs {
		select {
		case w.permits <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(job storage.Job) {
			defer wg.Done()
			defer func() { <-w.permits }()
			w.deliver(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (w *Worker) deliver(ctx context.Context, job storage.Job) {
	body, err := renderBody(job, w.now())
	if err != nil {
		// Parse failures take the same path as delivery failures.
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("render payload failed")
		w.handleFailure(ctx, job)
		return
	}

	if err := w.post(ctx, body); err != nil {
		w.log.Error().Err(err).Int64("job_id", job.ID).Str("device", job.DeviceNumber).Msg("notify delivery failed")
		w.handleFailure(ctx, job)
		return
	}

	if err := w.store.UpdateSuccess(ctx, job.ID); err != nil {
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("mark job complete failed")
		return
	}
	w.log.Info().Int64("job_id", job.ID).Str("device", job.DeviceNumber).Msg("notify delivered")
}

func (w *Worker) post(ctx context.Context, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// handleFailure advances the retry state machine: schedule the next attempt
// while the backoff table has an entry, otherwise mark the job Failed.
func (w *Worker) handleFailure(ctx context.Context, job storage.Job) {
	newCount := job.RetryCount + 1
	delay, ok := BackoffDelay(newCount)
	if !ok {
		w.log.Error().Int64("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("retries exhausted, marking job failed")
		if err := w.store.UpdateFailed(ctx, job.ID); err != nil {
			w.log.Error().Err(err).Int64("job_id", job.ID).Msg("mark job failed errored")
		}
		return
	}

	next := w.now().Add(delay).Unix()
	err := w.store.UpdateRetryCount(ctx, job.ID, newCount, job.RetryCount, next)
	switch {
	case errors.Is(err, storage.ErrRetryConflict):
		// A concurrent writer already advanced this job; the next poll cycle
		// re-observes the stored state, so nothing to retry here.
		w.log.Warn().Int64("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("retry advance lost to concurrent writer")
	case err != nil:
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("update retry count failed")
	default:
		w.log.Info().Int64("job_id", job.ID).Int("retry_count", newCount).Dur("delay", delay).Msg("retry scheduled")
	}
}

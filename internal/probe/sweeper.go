package probe

import (
	"context"

	"github.com/rs/zerolog"

	"lampbridge/internal/storage"
)

// OfflineView is the tracker surface the sweeper needs.
type OfflineView interface {
	FindAllOfflineDevices() []string
	UpdateStatus(device string, online bool)
}

// JobCreator creates synthetic offline notification jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, device, contents string, jobType storage.JobType) (int64, error)
}

// Sweeper turns "device went silent" into a durable notification: each
// offline device is flagged offline and gets an empty-contents status job.
type Sweeper struct {
	tracker OfflineView
	jobs    JobCreator
	log     zerolog.Logger
}

func NewSweeper(tracker OfflineView, jobs JobCreator, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		tracker: tracker,
		jobs:    jobs,
		log:     log.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Tick(ctx context.Context) {
	for _, device := range s.tracker.FindAllOfflineDevices() {
		s.log.Info().Str("device", device).Msg("device is offline")
		s.tracker.UpdateStatus(device, false)
		id, err := s.jobs.CreateJob(ctx, device, "", storage.JobTypeLightStatus)
		if err != nil {
			s.log.Error().Err(err).Str("device", device).Msg("create offline notify job failed")
			continue
		}
		s.log.Info().Int64("job_id", id).Str("device", device).Msg("offline notify job created")
	}
}

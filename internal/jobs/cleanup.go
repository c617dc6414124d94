package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/talkwire/callcore/internal/config"
	"github.com/talkwire/callcore/internal/repository"
)

// CleanupJob sweeps call records on a timer. It has two duties: moving
// ringing calls whose caller vanished (crash, network drop) to missed so
// they do not ring forever, and pruning terminated records past the
// retention window.
type CleanupJob struct {
	callRepo   repository.CallRepository
	retention  time.Duration
	staleAfter time.Duration
	interval   time.Duration
	done       chan struct{}
}

// staleAfter is how long a call may sit in ringing before the sweep marks it
// missed; it must exceed the ring timeout so the sweep only catches calls
// whose caller never got to time out locally.
func NewCleanupJob(callRepo repository.CallRepository, retention, staleAfter, interval time.Duration) *CleanupJob {
	if staleAfter <= 0 {
		staleAfter = config.StaleRingWindow
	}
	return &CleanupJob{
		callRepo:   callRepo,
		retention:  retention,
		staleAfter: staleAfter,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	j.runCleanup(ctx, "stale ringing calls", func(ctx context.Context) (int64, error) {
		return j.callRepo.MarkStaleRingingMissed(ctx, now.Add(-j.staleAfter))
	})
	j.runCleanup(ctx, "expired call records", func(ctx context.Context) (int64, error) {
		return j.callRepo.DeleteTerminatedBefore(ctx, now.Add(-j.retention))
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

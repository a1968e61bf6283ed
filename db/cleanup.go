package db

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CleanupJob removes job records older than the retention window.
type CleanupJob struct {
	store     *Store
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewCleanupJob deletes jobs older than retention each time it runs.
func NewCleanupJob(store *Store, retention time.Duration, logger *zap.Logger) *CleanupJob {
	return &CleanupJob{
		store:     store,
		retention: retention,
		logger:    logger.With(zap.String("job", "job_history_cleanup")),
		now:       time.Now,
	}
}

func (j *CleanupJob) Run() error {
	deleted, err := j.store.DeleteJobsBefore(j.now().Add(-j.retention))
	if err != nil {
		j.logger.Error("failed to delete expired jobs", zap.Error(err))
		return err
	}
	if deleted > 0 {
		j.logger.Info("cleaned up expired jobs", zap.Int64("deleted", deleted))
	}
	return nil
}

func (j *CleanupJob) Name() string {
	return "job_history_cleanup"
}

// ScheduleCleanup runs job on the cron spec and returns the started
// scheduler. Stop it to end the schedule.
func ScheduleCleanup(job *CleanupJob, spec string) (*cron.Cron, error) {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() { job.Run() }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	scheduler.Start()
	job.logger.Info("job history cleanup scheduled", zap.String("spec", spec), zap.Duration("retention", job.retention))
	return scheduler, nil
}

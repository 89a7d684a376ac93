package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/logging"
)

// Janitor schedules the periodic purge of expired failure history.
// Default schedule is daily; retention is 30 days.
type Janitor struct {
	store     *Store
	cron      *cron.Cron
	schedule  string
	retention time.Duration
	timeout   time.Duration
	logger    *logging.Logger
}

// NewJanitor creates a janitor for the given store.
// retentionDays <= 0 falls back to 30.
func NewJanitor(s *Store, schedule string, retentionDays int) *Janitor {
	if schedule == "" {
		schedule = "@daily"
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Janitor{
		store:     s,
		cron:      cron.New(),
		schedule:  schedule,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		timeout:   5 * time.Minute,
		logger:    logging.GetLogger(),
	}
}

// Start registers the purge job and starts the scheduler
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, j.runPurge)
	if err != nil {
		return errors.NewValidationError("invalid purge schedule").WithCause(err)
	}

	j.cron.Start()
	j.logger.Info("Failure store janitor started",
		"schedule", j.schedule,
		"retention", j.retention.String(),
	)
	return nil
}

// Stop stops the scheduler, waiting for a running purge to finish
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("Failure store janitor stopped")
}

func (j *Janitor) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if _, _, err := j.store.Purge(ctx, j.retention); err != nil {
		j.logger.Error("Scheduled purge failed", "error", err.Error())
	}
}

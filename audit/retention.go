package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultRetentionSchedule runs the purge nightly at 03:15.
const DefaultRetentionSchedule = "15 3 * * *"

type eventPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention periodically deletes stored events older than the keep window.
type Retention struct {
	scheduler *cron.Cron
	store     eventPruner
	keep      time.Duration
	log       *logrus.Entry
	now       func() time.Time
	jobID     cron.EntryID
}

// NewRetention schedules purges with a standard 5-field cron expression
// (6 fields enables seconds).
func NewRetention(store eventPruner, keep time.Duration, schedule string, log *logrus.Entry) (*Retention, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("retention window must be positive, got %s", keep)
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	scheduler := cron.New()
	if strings.Count(strings.TrimSpace(schedule), " ") == 5 {
		scheduler = cron.New(cron.WithSeconds())
	}
	r := &Retention{
		scheduler: scheduler,
		store:     store,
		keep:      keep,
		log:       log.WithField("component", "audit_retention"),
		now:       time.Now,
	}
	id, err := scheduler.AddJob(schedule, r)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	r.jobID = id
	r.log.Infof("audit retention enabled: keep %s, schedule '%s'", keep, schedule)
	return r, nil
}

// Run performs one purge; it implements cron.Job.
func (r *Retention) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := r.now().Add(-r.keep)
	n, err := r.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Error("audit retention purge failed")
		return
	}
	r.log.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("audit retention purge complete")
}

func (r *Retention) Start() { r.scheduler.Start() }

// NextRun returns the next scheduled purge.
func (r *Retention) NextRun() time.Time { return r.scheduler.Entry(r.jobID).Next }

// Stop cancels future purges and waits for a running one.
func (r *Retention) Stop() {
	r.scheduler.Remove(r.jobID)
	<-r.scheduler.Stop().Done()
}

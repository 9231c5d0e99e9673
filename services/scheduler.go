package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"realtor-tracker/utils"
)

// SyncScheduler runs the Syncer on a cron schedule.
type SyncScheduler struct {
	cron    *cron.Cron
	syncer  *Syncer
	logger  *utils.Logger
	timeout time.Duration
	entryID cron.EntryID
}

// cronLogger routes cron's own messages through the tracker logger.
type cronLogger struct{ l *utils.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("[scheduler] %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("[scheduler] %s: %v %v", msg, err, keysAndValues)
}

// NewSyncScheduler parses schedule (standard five-field cron or a descriptor
// such as "@every 1h") and registers the sync job. Each run is bounded by timeout.
func NewSyncScheduler(schedule string, loc *time.Location, timeout time.Duration, syncer *Syncer, logger *utils.Logger) (*SyncScheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	clog := cronLogger{l: logger}
	s := &SyncScheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		syncer:  syncer,
		logger:  logger,
		timeout: timeout,
	}

	id, err := s.cron.AddFunc(schedule, s.runOnce)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	s.entryID = id
	return s, nil
}

func (s *SyncScheduler) runOnce() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if _, err := s.syncer.Run(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			s.logger.Warn("[scheduler] Skipping scheduled sync: a manual sync is running")
			return
		}
		s.logger.Error("[scheduler] Scheduled sync failed: %v", err)
	}
}

// Start begins running the schedule in the background.
func (s *SyncScheduler) Start() {
	s.cron.Start()
	s.logger.Info("[scheduler] Sync scheduled, next run at %s", s.Next().Format(time.RFC3339))
}

// Next returns the next scheduled run time.
func (s *SyncScheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop halts the schedule and returns a context that is done once any
// running sync has finished.
func (s *SyncScheduler) Stop() context.Context {
	return s.cron.Stop()
}

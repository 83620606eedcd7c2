package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the report one minute past midnight.
const DefaultSchedule = "1 0 * * *"

// Scheduler runs the aggregator for the previous day on a cron schedule.
type Scheduler struct {
	agg  *Aggregator
	log  *zap.Logger
	loc  *time.Location
	now  func() time.Time
	c    *cron.Cron
	mu   sync.Mutex
	base context.Context
}

func NewScheduler(spec string, loc *time.Location, agg *Aggregator, log *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		agg:  agg,
		log:  log.Named("stats"),
		loc:  loc,
		now:  time.Now,
		c:    cron.New(cron.WithLocation(loc)),
		base: context.Background(),
	}
	if _, err := s.c.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("stats schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduling. Runs use ctx and stop being triggered once it is
// done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.c.Start()
	s.log.Info("stats scheduler started", zap.String("tz", s.loc.String()))
}

// Stop halts scheduling and waits for a running report to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// RunPrevious sends the report for the day before now.
func (s *Scheduler) RunPrevious(ctx context.Context) error {
	return s.agg.Run(ctx, s.now().In(s.loc).AddDate(0, 0, -1))
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.RunPrevious(ctx); err != nil {
		s.log.Error("daily stats run failed", zap.Error(err))
	}
}

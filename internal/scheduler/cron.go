// Package scheduler runs cron-registered maintenance jobs and the
// heartbeat wake-up over the workspace.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"evoagent/internal/logging"
)

// pollInterval is how often the service checks for due jobs.
const pollInterval = 30 * time.Second

// job is one registered cron entry. nextRun is advanced before the
// callback fires so a slow callback cannot re-trigger itself, and missed
// ticks collapse into a single run.
type job struct {
	name     string
	expr     string
	schedule cron.Schedule
	callback func(context.Context)
	nextRun  time.Time
	lastRun  time.Time
}

// Service polls registered cron jobs. Register everything before Start.
type Service struct {
	jobs    []*job
	logger  logging.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService builds an empty scheduler.
func NewService(logger logging.Logger) *Service {
	return &Service{logger: logging.OrNop(logger), nowFunc: time.Now}
}

// Register adds a job under a standard five-field cron expression.
func (s *Service) Register(name, expr string, callback func(context.Context)) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse cron expr %q for %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, expr: expr, schedule: schedule, callback: callback})
	s.logger.Debug("cron: registered job %q (%s)", name, expr)
	return nil
}

// Start computes each job's first fire time and begins polling.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	now := s.nowFunc()
	for _, j := range s.jobs {
		j.nextRun = j.schedule.Next(now)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	count := len(s.jobs)
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info("cron: scheduler started with %d jobs", count)
}

// Stop halts polling and waits for the loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("cron: scheduler stopped")
}

// Running reports whether the polling loop is live.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		s.tick(ctx, s.nowFunc())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick fires every due job once and schedules its next run from now, so a
// backlog of missed fire times collapses into one execution.
func (s *Service) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.IsZero() && !now.Before(j.nextRun) {
			j.lastRun = now
			j.nextRun = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.runJob(ctx, j)
	}
}

func (s *Service) runJob(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job %q panicked: %v", j.name, r)
		}
	}()
	s.logger.Info("cron: running job %q", j.name)
	j.callback(ctx)
	s.logger.Debug("cron: job %q finished", j.name)
}

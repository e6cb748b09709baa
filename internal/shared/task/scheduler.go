package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/simdesk/server/internal/shared/metrics"
	"go.uber.org/zap"
)

// ErrUnknownJob is returned by RunNow for an unregistered job name.
var ErrUnknownJob = errors.New("unknown job")

// jobLockPrefix is prepended to the job name to form its lock name.
const jobLockPrefix = "job:"

// Job is a named periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Locker grants cluster-wide exclusive runs of a job.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Scheduler runs registered jobs on fixed intervals until stopped.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]Job
	locker  Locker
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. locker may be nil for single-replica runs.
func NewScheduler(locker Locker, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Scheduler{
		jobs:    make(map[string]Job),
		locker:  locker,
		metrics: m,
		logger:  logger.Named("scheduler"),
		timeout: 10 * time.Minute,
		stopCh:  make(chan struct{}),
	}
}

// Register adds a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Register(job Job) {
	if job.Interval <= 0 {
		s.logger.Warn("job disabled", zap.String("job", job.Name))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	s.logger.Debug("registered job", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
}

// Start launches one ticker loop per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.Info("starting scheduler", zap.Int("jobs", len(s.jobs)))
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Stop stops all job loops and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job once, honouring the lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runOnce(ctx, job)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runOnce(ctx, job); err != nil {
				s.logger.Error("job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) error {
	if s.locker != nil {
		// Held for most of the interval so only one replica runs per tick.
		acquired, err := s.locker.TryLock(ctx, jobLockPrefix+job.Name, job.Interval*9/10)
		if err != nil {
			s.logger.Warn("job lock unavailable, running locally", zap.String("job", job.Name), zap.Error(err))
		} else if !acquired {
			s.metrics.RecordJob(job.Name, "skipped", 0)
			return nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(runCtx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordJob(job.Name, status, time.Since(start))
	s.logger.Debug("job finished",
		zap.String("job", job.Name),
		zap.String("status", status),
		zap.Duration("duration", time.Since(start)),
	)
	return err
}

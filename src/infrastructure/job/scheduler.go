package job

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"distillery/src/log"
)

// DeadLetterSink receives jobs whose attempt budget ran out. The sink
// decides which job types are worth preserving for replay.
type DeadLetterSink interface {
	JobExhausted(ctx context.Context, j *Job) error
}

// DefaultLeases holds the per-type lease durations. Acquisition work is
// short, extraction may block on the request queue for minutes, so its
// lease must stay at least twice the overall request timeout, and crawls
// run longest.
var DefaultLeases = map[Type]time.Duration{
	TypeAcquisition: 2 * time.Minute,
	TypeCrawl:       30 * time.Minute,
	TypeExtraction:  10 * time.Minute,
	TypeCleanup:     5 * time.Minute,
}

// DefaultPoolSizes holds the per-type executor counts.
var DefaultPoolSizes = map[Type]int{
	TypeAcquisition: 4,
	TypeCrawl:       1,
	TypeExtraction:  4,
	TypeCleanup:     1,
}

// Config tunes one scheduler instance. Zero values fall back to defaults.
type Config struct {
	PollInterval time.Duration
	DrainTimeout time.Duration
	Leases       map[Type]time.Duration
	PoolSizes    map[Type]int
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 2 * time.Second
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout > 0 {
		return c.DrainTimeout
	}
	return 30 * time.Second
}

// LeaseFor returns the lease duration used when claiming jobs of type t.
func (c Config) LeaseFor(t Type) time.Duration {
	if d, ok := c.Leases[t]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultLeases[t]; ok {
		return d
	}
	return 5 * time.Minute
}

func (c Config) poolSize(t Type) int {
	if n, ok := c.PoolSizes[t]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultPoolSizes[t]; ok {
		return n
	}
	return 1
}

// Scheduler polls the job store, recovers stale leases, and dispatches
// claimed jobs to the registered pools. Multiple scheduler processes may
// run against one store; the claim protocol keeps them from colliding.
type Scheduler struct {
	repo   Repository
	cfg    Config
	owner  string
	pools  map[Type]*Pool
	dlq    DeadLetterSink
	logger logr.Logger
}

func NewScheduler(repo Repository, cfg Config, sink DeadLetterSink) *Scheduler {
	owner := uuid.NewString()
	return &Scheduler{
		repo:   repo,
		cfg:    cfg,
		owner:  owner,
		pools:  make(map[Type]*Pool),
		dlq:    sink,
		logger: log.WithName("scheduler").WithValues("owner", owner),
	}
}

// Owner returns this instance's lease owner id.
func (s *Scheduler) Owner() string {
	return s.owner
}

// Register creates and attaches the pool that will consume the executor's
// job type, sized and leased per the scheduler config.
func (s *Scheduler) Register(exec Executor) *Pool {
	t := exec.Type()
	p := NewPool(exec, s.repo, s.owner, s.cfg.poolSize(t), s.cfg.LeaseFor(t), s.dlq)
	s.pools[t] = p
	return p
}

// Run polls until ctx is cancelled, then drains the pools. In-flight jobs
// get the configured drain window before their contexts are cancelled and
// they requeue themselves.
func (s *Scheduler) Run(ctx context.Context) error {
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	s.logger.Info("scheduler started",
		"poll_interval", s.cfg.pollInterval().String(),
		"pools", len(s.pools),
	)

	ticker := time.NewTicker(s.cfg.pollInterval())
	defer ticker.Stop()

	s.tick(ctx, jobsCtx)
	for {
		select {
		case <-ctx.Done():
			return s.drain(cancelJobs)
		case <-ticker.C:
			s.tick(ctx, jobsCtx)
		}
	}
}

func (s *Scheduler) tick(ctx, jobsCtx context.Context) {
	requeued, exhausted, err := s.repo.RecoverStale(ctx)
	if err != nil {
		s.logger.Error(err, "stale recovery failed")
	} else {
		if requeued > 0 {
			s.logger.Info("requeued stale jobs", "count", requeued)
		}
		for _, j := range exhausted {
			s.logger.Info("job exhausted its attempts with a stale lease",
				"job_id", j.ID, "type", j.Type, "attempts", j.AttemptCount)
			if s.dlq == nil {
				continue
			}
			if err := s.dlq.JobExhausted(ctx, j); err != nil {
				s.logger.Error(err, "failed to dead letter exhausted job", "job_id", j.ID)
			}
		}
	}

	for t, pool := range s.pools {
		free := pool.Free()
		if free == 0 {
			continue
		}
		jobs, err := s.repo.Claim(ctx, t, s.owner, free, s.cfg.LeaseFor(t))
		if err != nil {
			s.logger.Error(err, "claim failed", "type", t)
			continue
		}
		for _, j := range jobs {
			if pool.Dispatch(jobsCtx, j) {
				continue
			}
			// Slot vanished between Free and Dispatch: hand the job back.
			if err := s.repo.ReturnToQueue(ctx, j.ID, s.owner, "", true); err != nil {
				s.logger.Error(err, "failed to return undispatched job", "job_id", j.ID)
			}
		}
	}
}

func (s *Scheduler) drain(cancelJobs context.CancelFunc) error {
	s.logger.Info("scheduler draining")

	done := make(chan struct{})
	go func() {
		for _, p := range s.pools {
			p.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.drainTimeout()):
		s.logger.Info("drain timeout reached, cancelling in-flight jobs")
		cancelJobs()
		<-done
	}

	s.logger.Info("scheduler stopped")
	return nil
}

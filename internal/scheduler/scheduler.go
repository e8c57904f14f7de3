// Package scheduler owns the work queue and the device worker pool. Jobs
// move queued → active → completed under three independent mutexes,
// always locked in that order; no lock is held across a search.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kodama/internal/device"
	"github.com/shizukutanaka/Kodama/internal/monitoring"
	"github.com/shizukutanaka/Kodama/internal/numeric"
	"github.com/shizukutanaka/Kodama/internal/work"
)

var (
	// ErrQueueFull rejects submits past the configured request limit.
	ErrQueueFull = errors.New("work request limit exceeded")

	// ErrNoJobsAvailable is reported to a worker whose job was
	// cancelled or purged between submit and pop.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrNotFound means a cancel referenced a hash not in the queue.
	ErrNotFound = errors.New("hash not found in work queue")

	// ErrControlDisabled rejects purge when control is not allowed.
	ErrControlDisabled = errors.New("control requests are not allowed; this must be enabled in the server configuration")
)

// Options carries the scheduler's configuration.
type Options struct {
	RequestLimit        int
	CompletedLimit      int
	AllowControl        bool
	AllowPrioritization bool
	BaseDifficulty      numeric.U128

	// MockDelay, when positive, bypasses the search and produces a
	// fixed result after the delay.
	MockDelay time.Duration
}

// ResponseFunc receives the outcome of one worker task. testing marks
// results produced by the mock path.
type ResponseFunc func(job Job, testing bool, err error)

// Snapshot is an immutable copy of the three job collections. Queued is
// in dequeue order, active sorted by id, completed oldest first.
type Snapshot struct {
	Queued    []Job
	Active    []Job
	Completed []Job
}

// Scheduler coordinates submits, the worker pool and job state.
type Scheduler struct {
	logger   *zap.Logger
	opts     Options
	registry *device.Registry
	metrics  *monitoring.Metrics

	nextID atomic.Uint32
	tasks  chan ResponseFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	queuedMu sync.Mutex
	queued   jobQueue

	activeMu sync.Mutex
	active   map[uint32]Job

	completedMu sync.Mutex
	completed   []Job
}

// New creates a scheduler over the device registry. The worker pool is
// sized to the device count.
func New(opts Options, registry *device.Registry, metrics *monitoring.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		opts:     opts,
		registry: registry,
		metrics:  metrics,
		tasks:    make(chan ResponseFunc, opts.RequestLimit+registry.Count()),
		active:   make(map[uint32]Job),
	}
}

// Start launches one worker per device.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.registry.Count(); i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("Work scheduler started",
		zap.Int("devices", s.registry.Count()),
		zap.Int("request_limit", s.opts.RequestLimit),
		zap.Bool("prioritization", s.opts.AllowPrioritization),
	)
}

// Stop cancels in-flight searches and waits for the pool to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Submit queues a work request and posts one worker task. The response
// for whichever job that task ends up servicing is delivered through
// respond. Returns the assigned job id.
func (s *Scheduler) Submit(req Request, priority uint32, respond ResponseFunc) (uint32, error) {
	if !s.opts.AllowPrioritization && priority > 0 {
		s.logger.Info("Priority field ignored as prioritization is disabled",
			zap.String("root", req.RootHash.String()),
			zap.Uint32("priority", priority),
		)
		priority = 0
	}

	job := Job{
		ID:       s.nextID.Add(1),
		Priority: priority,
		Request:  req,
	}

	s.queuedMu.Lock()
	if s.queued.Len() >= s.opts.RequestLimit {
		s.queuedMu.Unlock()
		return 0, ErrQueueFull
	}
	heap.Push(&s.queued, job)
	s.queuedMu.Unlock()

	s.metrics.JobsSubmitted.Inc()
	s.metrics.QueueDepth.Inc()

	s.logger.Info("Work requested",
		zap.Uint32("id", job.ID),
		zap.String("root", req.RootHash.String()),
		zap.String("difficulty", req.Difficulty.Hex()),
		zap.Uint32("priority", priority),
	)

	// The buffer is sized for the queue bound, but cancels can free
	// slots faster than workers drain; never block the submitter.
	select {
	case s.tasks <- respond:
	default:
		go func() { s.tasks <- respond }()
	}
	return job.ID, nil
}

// Cancel removes the queued job for root that would dequeue first.
// Active jobs are not interrupted.
func (s *Scheduler) Cancel(root numeric.U256) bool {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()

	match := -1
	for i := range s.queued {
		if s.queued[i].Request.RootHash != root {
			continue
		}
		if match < 0 || dequeueBefore(s.queued[i], s.queued[match]) {
			match = i
		}
	}
	if match < 0 {
		return false
	}

	removed := heap.Remove(&s.queued, match).(Job)
	s.metrics.QueueDepth.Dec()
	s.metrics.JobsCancelled.Inc()

	s.logger.Info("Cancelled work request",
		zap.Uint32("id", removed.ID),
		zap.String("root", root.String()),
	)
	return true
}

// Purge drops every queued job. Returns false without side effect when
// control requests are disabled.
func (s *Scheduler) Purge() bool {
	if !s.opts.AllowControl {
		return false
	}

	s.queuedMu.Lock()
	dropped := s.queued.Len()
	s.queued = s.queued[:0]
	s.queuedMu.Unlock()

	s.metrics.QueueDepth.Sub(float64(dropped))
	s.metrics.JobsCancelled.Add(float64(dropped))

	s.logger.Warn("Queue removed via RPC", zap.Int("dropped", dropped))
	return true
}

// BaseDifficulty returns the configured base difficulty.
func (s *Scheduler) BaseDifficulty() numeric.U128 {
	return s.opts.BaseDifficulty
}

// Snapshot copies the three collections under their locks, taken in the
// queued → active → completed order.
func (s *Scheduler) Snapshot() Snapshot {
	s.queuedMu.Lock()
	queued := append([]Job(nil), s.queued...)
	s.queuedMu.Unlock()

	s.activeMu.Lock()
	active := make([]Job, 0, len(s.active))
	for _, j := range s.active {
		active = append(active, j)
	}
	s.activeMu.Unlock()

	s.completedMu.Lock()
	completed := append([]Job(nil), s.completed...)
	s.completedMu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return dequeueBefore(queued[i], queued[j]) })
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	return Snapshot{Queued: queued, Active: active, Completed: completed}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case respond := <-s.tasks:
			s.runJob(ctx, respond)
		}
	}
}

// runJob is the body of one worker task: pop the top job, claim a
// device, run the search, record completion. Errors are reported to this
// task's caller only; the worker itself never dies on a job failure.
func (s *Scheduler) runJob(ctx context.Context, respond ResponseFunc) {
	s.queuedMu.Lock()
	if s.queued.Len() == 0 {
		s.queuedMu.Unlock()
		respond(Job{}, false, ErrNoJobsAvailable)
		return
	}
	job := heap.Pop(&s.queued).(Job)
	s.queuedMu.Unlock()
	s.metrics.QueueDepth.Dec()

	dev, err := s.registry.AcquireAny()
	if err != nil {
		s.metrics.JobsFailed.Inc()
		respond(job, false, err)
		return
	}
	defer dev.Release()

	s.logger.Info("Generating work",
		zap.String("device", dev.Kind().String()),
		zap.Uint32("device_index", dev.Index()),
		zap.String("root", job.Request.RootHash.String()),
	)

	job.Start()
	s.activeMu.Lock()
	s.active[job.ID] = job
	s.activeMu.Unlock()
	s.metrics.ActiveJobs.Inc()

	testing := false
	var solveErr error
	if s.opts.MockDelay > 0 {
		testing = true
		select {
		case <-time.After(s.opts.MockDelay):
		case <-ctx.Done():
		}
		job.Result = mockResult()
	} else {
		var res work.Result
		res, solveErr = dev.Driver().Solve(job.Request.RootHash, job.Request.Difficulty, ctx.Done())
		if solveErr == nil {
			job.Result.Work = numeric.U128FromUint64(res.Nonce)
			if res.Found {
				job.Result.Difficulty = res.Achieved
				job.Result.Multiplier = work.ToMultiplier(res.Achieved, s.opts.BaseDifficulty)
			} else {
				// Budget exhausted: report the requested difficulty
				// unchanged so the caller can tell no nonce was found.
				job.Result.Difficulty = job.Request.Difficulty
				job.Result.Multiplier = 1.0
			}
		}
	}
	job.Stop()

	s.activeMu.Lock()
	delete(s.active, job.ID)
	s.activeMu.Unlock()
	s.metrics.ActiveJobs.Dec()

	if solveErr != nil {
		s.metrics.JobsFailed.Inc()
		respond(job, false, solveErr)
		return
	}

	s.completedMu.Lock()
	s.completed = append(s.completed, job)
	if len(s.completed) > s.opts.CompletedLimit {
		s.completed = s.completed[len(s.completed)-s.opts.CompletedLimit:]
	}
	s.completedMu.Unlock()

	s.metrics.JobsCompleted.Inc()
	s.metrics.JobDuration.Observe(float64(job.Duration()) / 1000)

	respond(job, testing, nil)

	s.logger.Info("Work completed",
		zap.Uint32("id", job.ID),
		zap.Int64("duration_ms", job.Duration()),
		zap.String("root", job.Request.RootHash.String()),
	)
}

// mockResult is the fixed result of the mock generation path.
func mockResult() Result {
	return Result{
		Work:       numeric.U128FromUint64(0x2feaeaa000000000),
		Difficulty: numeric.U128FromUint64(0x02ffee0000000000),
		Multiplier: 1.3847,
	}
}

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/Kodama/internal/device"
	"github.com/shizukutanaka/Kodama/internal/monitoring"
	"github.com/shizukutanaka/Kodama/internal/numeric"
	"github.com/shizukutanaka/Kodama/internal/work"
)

var testBase = numeric.U128FromUint64(0x2000000000000000)

// blockingDriver signals each search start and holds it until released,
// so tests can control dequeue timing deterministically.
type blockingDriver struct {
	started chan numeric.U256
	release chan struct{}
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{
		started: make(chan numeric.U256, 16),
		release: make(chan struct{}),
	}
}

func (d *blockingDriver) Solve(root numeric.U256, difficulty numeric.U128, cancel <-chan struct{}) (work.Result, error) {
	d.started <- root
	select {
	case <-d.release:
	case <-cancel:
		return work.Result{}, work.ErrCancelled
	}
	return work.Result{Nonce: 42, Achieved: numeric.U128FromUint64(0x4000000000000000), Found: true}, nil
}

func (d *blockingDriver) Kind() device.Type { return device.TypeCPU }

// instantDriver completes immediately.
type instantDriver struct{}

func (d *instantDriver) Solve(root numeric.U256, difficulty numeric.U128, cancel <-chan struct{}) (work.Result, error) {
	return work.Result{Nonce: 7, Achieved: numeric.U128FromUint64(0x2000000000000000), Found: true}, nil
}

func (d *instantDriver) Kind() device.Type { return device.TypeCPU }

type outcome struct {
	job     Job
	testing bool
	err     error
}

func newTestScheduler(t *testing.T, opts Options, drivers ...device.Driver) (*Scheduler, func()) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	devices := make([]*device.Device, len(drivers))
	for i, drv := range drivers {
		devices[i] = device.New(drv.Kind(), uint32(i), drv)
	}
	registry := device.NewRegistryFromDevices(devices, logger)
	metrics := monitoring.New(prometheus.NewRegistry())

	if opts.RequestLimit == 0 {
		opts.RequestLimit = 64
	}
	if opts.CompletedLimit == 0 {
		opts.CompletedLimit = 64
	}
	if opts.BaseDifficulty.IsZero() {
		opts.BaseDifficulty = testBase
	}

	s := New(opts, registry, metrics, logger)
	s.Start(context.Background())
	return s, s.Stop
}

func rootFromByte(b byte) numeric.U256 {
	var r numeric.U256
	r[31] = b
	return r
}

func collect(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a job outcome")
		return outcome{}
	}
}

func respondTo(ch chan<- outcome) ResponseFunc {
	return func(job Job, testing bool, err error) {
		ch <- outcome{job: job, testing: testing, err: err}
	}
}

func TestSubmitAssignsUniqueIncreasingIDs(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)
	seen := make(map[uint32]bool)
	var last uint32
	for i := 0; i < 5; i++ {
		id, err := s.Submit(Request{RootHash: rootFromByte(byte(i))}, 0, respondTo(outcomes))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if seen[id] {
			t.Errorf("Duplicate job id %d", id)
		}
		if id <= last {
			t.Errorf("Ids should be monotonically increasing: %d after %d", id, last)
		}
		seen[id] = true
		last = id
	}
	if !seen[1] {
		t.Error("First job id should be 1")
	}

	close(drv.release)
}

func TestFIFOWithoutPrioritization(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)

	// Occupy the single worker so subsequent submits stay queued.
	if _, err := s.Submit(Request{RootHash: rootFromByte(0xa0)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started

	for i, pri := range []uint32{0, 5, 0} {
		if _, err := s.Submit(Request{RootHash: rootFromByte(byte(i + 1))}, pri, respondTo(outcomes)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	var order []byte
	for i := 0; i < 3; i++ {
		drv.release <- struct{}{}
		root := <-drv.started
		order = append(order, root[31])
	}
	drv.release <- struct{}{}

	// Prioritization disabled: strict submission order regardless of
	// the priority-5 request.
	want := []byte{1, 2, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("FIFO order violated: got %v, want %v", order, want)
		}
	}
}

func TestPriorityDequeue(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{AllowPrioritization: true}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)

	if _, err := s.Submit(Request{RootHash: rootFromByte(0xa0)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started

	for i, pri := range []uint32{0, 5, 0} {
		if _, err := s.Submit(Request{RootHash: rootFromByte(byte(i + 1))}, pri, respondTo(outcomes)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	var order []byte
	for i := 0; i < 3; i++ {
		drv.release <- struct{}{}
		root := <-drv.started
		order = append(order, root[31])
	}
	drv.release <- struct{}{}

	// Priority 5 first, then the two priority-0 jobs in submission order.
	want := []byte{2, 1, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Priority order violated: got %v, want %v", order, want)
		}
	}
}

func TestQueueLimit(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{RequestLimit: 2}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)

	if _, err := s.Submit(Request{RootHash: rootFromByte(1)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started // first job popped, queue empty again

	for i := 2; i <= 3; i++ {
		if _, err := s.Submit(Request{RootHash: rootFromByte(byte(i))}, 0, respondTo(outcomes)); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	if _, err := s.Submit(Request{RootHash: rootFromByte(4)}, 0, respondTo(outcomes)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(drv.release)
}

func TestCancelBeforeStart(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)

	if _, err := s.Submit(Request{RootHash: rootFromByte(1)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started

	target := rootFromByte(0xcc)
	queued := make(chan outcome, 1)
	if _, err := s.Submit(Request{RootHash: target}, 0, respondTo(queued)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if !s.Cancel(target) {
		t.Fatal("Cancel should find the queued job")
	}
	if s.Cancel(target) {
		t.Error("Second cancel should report not found")
	}

	snap := s.Snapshot()
	for _, j := range snap.Queued {
		if j.Request.RootHash == target {
			t.Error("Cancelled job still present in queued set")
		}
	}
	for _, j := range snap.Active {
		if j.Request.RootHash == target {
			t.Error("Cancelled job present in active set")
		}
	}

	// The task posted for the cancelled submit finds an empty queue.
	drv.release <- struct{}{}
	o := collect(t, queued)
	if !errors.Is(o.err, ErrNoJobsAvailable) {
		t.Errorf("Expected ErrNoJobsAvailable for the orphaned task, got %v", o.err)
	}

	close(drv.release)
}

func TestPurgeRequiresControl(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)
	if _, err := s.Submit(Request{RootHash: rootFromByte(1)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started
	if _, err := s.Submit(Request{RootHash: rootFromByte(2)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if s.Purge() {
		t.Error("Purge should be rejected when control is disabled")
	}
	if len(s.Snapshot().Queued) != 1 {
		t.Error("Rejected purge must not modify the queue")
	}

	close(drv.release)
}

func TestPurgeDropsQueue(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{AllowControl: true}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)
	if _, err := s.Submit(Request{RootHash: rootFromByte(1)}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started
	for i := 2; i <= 4; i++ {
		if _, err := s.Submit(Request{RootHash: rootFromByte(byte(i))}, 0, respondTo(outcomes)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if !s.Purge() {
		t.Fatal("Purge should succeed with control enabled")
	}
	if len(s.Snapshot().Queued) != 0 {
		t.Error("Queue should be empty after purge")
	}

	close(drv.release)
}

func TestCompletedRingEviction(t *testing.T) {
	s, stop := newTestScheduler(t, Options{CompletedLimit: 2}, &instantDriver{})
	defer stop()

	outcomes := make(chan outcome, 8)
	for i := 1; i <= 3; i++ {
		if _, err := s.Submit(Request{RootHash: rootFromByte(byte(i))}, 0, respondTo(outcomes)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		o := collect(t, outcomes)
		if o.err != nil {
			t.Fatalf("Job failed: %v", o.err)
		}
	}

	completed := s.Snapshot().Completed
	if len(completed) != 2 {
		t.Fatalf("Expected ring capped at 2, got %d", len(completed))
	}
	if completed[0].Request.RootHash[31] != 2 || completed[1].Request.RootHash[31] != 3 {
		t.Error("Ring should keep the newest jobs in FIFO order")
	}
}

func TestJobInExactlyOneCollection(t *testing.T) {
	drv := newBlockingDriver()
	s, stop := newTestScheduler(t, Options{}, drv)
	defer stop()

	outcomes := make(chan outcome, 8)
	target := rootFromByte(0x77)
	if _, err := s.Submit(Request{RootHash: target}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-drv.started

	snap := s.Snapshot()
	if len(snap.Active) != 1 || snap.Active[0].Request.RootHash != target {
		t.Fatal("Running job should be in the active set")
	}
	if len(snap.Queued) != 0 || len(snap.Completed) != 0 {
		t.Error("Running job must not appear in queued or completed")
	}

	drv.release <- struct{}{}
	o := collect(t, outcomes)
	if o.err != nil {
		t.Fatalf("Job failed: %v", o.err)
	}

	snap = s.Snapshot()
	if len(snap.Active) != 0 {
		t.Error("Completed job still in active set")
	}
	if len(snap.Completed) != 1 {
		t.Error("Completed job missing from completed ring")
	}
}

func TestMockGeneration(t *testing.T) {
	s, stop := newTestScheduler(t, Options{MockDelay: 50 * time.Millisecond}, &instantDriver{})
	defer stop()

	outcomes := make(chan outcome, 1)
	if _, err := s.Submit(Request{RootHash: numeric.U256{}, Difficulty: testBase}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	o := collect(t, outcomes)
	if o.err != nil {
		t.Fatalf("Mock job failed: %v", o.err)
	}
	if !o.testing {
		t.Error("Mock result should carry the testing flag")
	}
	if got := o.job.Result.Work.WorkHex(); got != "2FEAEAA000000000" {
		t.Errorf("Mock work mismatch: %s", got)
	}
	if got := o.job.Result.Difficulty.Hex(); got != "0x2ffee0000000000" {
		t.Errorf("Mock difficulty mismatch: %s", got)
	}
	if o.job.Result.Multiplier != 1.3847 {
		t.Errorf("Mock multiplier mismatch: %v", o.job.Result.Multiplier)
	}
	if o.job.Duration() < 50 {
		t.Errorf("Mock generation should take at least the configured delay, got %dms", o.job.Duration())
	}
}

func TestExhaustedSearchReportsRequestedDifficulty(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gen := work.NewGenerator(500, logger)
	s, stop := newTestScheduler(t, Options{}, device.NewCPUDriver(gen))
	defer stop()

	// Zero difficulty yields a zero threshold: the budget always runs out.
	req := Request{RootHash: rootFromByte(1), Difficulty: numeric.U128{}}
	outcomes := make(chan outcome, 1)
	if _, err := s.Submit(req, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	o := collect(t, outcomes)
	if o.err != nil {
		t.Fatalf("Exhaustion must not be an error: %v", o.err)
	}
	if o.job.Result.Multiplier != 1.0 {
		t.Errorf("Exhausted search should report multiplier 1.0, got %v", o.job.Result.Multiplier)
	}
	if o.job.Result.Difficulty != req.Difficulty {
		t.Error("Exhausted search should echo the requested difficulty")
	}
}

func TestGeneratedWorkValidates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gen := work.NewGenerator(0, logger)
	s, stop := newTestScheduler(t, Options{}, device.NewCPUDriver(gen))
	defer stop()

	easy := numeric.U128FromUint64(1)
	root := rootFromByte(0x5e)
	outcomes := make(chan outcome, 1)
	if _, err := s.Submit(Request{RootHash: root, Difficulty: easy}, 0, respondTo(outcomes)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	o := collect(t, outcomes)
	if o.err != nil {
		t.Fatalf("Generate failed: %v", o.err)
	}
	valid, _ := work.Validate(root, o.job.Result.Work.Low64(), easy)
	if !valid {
		t.Error("Validator rejected a generated nonce")
	}
}

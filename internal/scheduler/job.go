package scheduler

import (
	"time"

	"github.com/shizukutanaka/Kodama/internal/numeric"
)

// Request is a normalized work request: the difficulty field is already
// resolved against the base difficulty and any supplied multiplier.
type Request struct {
	RootHash   numeric.U256
	Difficulty numeric.U128
	Multiplier float64
}

// Result is the outcome of a job. Only the low 8 bytes of Work are
// meaningful; the remainder is zero.
type Result struct {
	Work       numeric.U128
	Difficulty numeric.U128
	Multiplier float64
}

// Job is a unit of queued work. Jobs are value types: they are copied
// between the queued, active and completed collections rather than
// shared.
type Job struct {
	ID       uint32
	Priority uint32
	Request  Request
	Result   Result

	startTime time.Time
	endTime   time.Time
}

// Start records the instant the search began.
func (j *Job) Start() {
	j.startTime = time.Now()
}

// Stop records the instant the search ended.
func (j *Job) Stop() {
	j.endTime = time.Now()
}

// Duration returns the search wall time in milliseconds, or 0 when the
// job has not both started and stopped.
func (j *Job) Duration() int64 {
	if j.startTime.IsZero() || j.endTime.IsZero() {
		return 0
	}
	return j.endTime.Sub(j.startTime).Milliseconds()
}

// StartMillis returns the start instant as Unix milliseconds, 0 if unset.
func (j *Job) StartMillis() int64 {
	if j.startTime.IsZero() {
		return 0
	}
	return j.startTime.UnixMilli()
}

// EndMillis returns the end instant as Unix milliseconds, 0 if unset.
func (j *Job) EndMillis() int64 {
	if j.endTime.IsZero() {
		return 0
	}
	return j.endTime.UnixMilli()
}

// dequeueBefore orders jobs for the priority queue: higher priority
// first, ties broken by lower id so equal-priority jobs stay FIFO.
func dequeueBefore(a, b Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

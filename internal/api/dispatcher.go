// Package api decodes work requests, drives the scheduler, and serves
// the HTTP and WebSocket transports.
package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kodama/internal/numeric"
	"github.com/shizukutanaka/Kodama/internal/scheduler"
	"github.com/shizukutanaka/Kodama/internal/work"
)

// flexNumber accepts a JSON number whether or not the client quoted it.
// Property-tree based peers send every value as a string.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var q string
		if err := json.Unmarshal(b, &q); err != nil {
			return err
		}
		s = q
	}
	if s == "null" {
		s = ""
	}
	*n = flexNumber(s)
	return nil
}

func (n flexNumber) float64() (float64, error) {
	if n == "" {
		return 0, nil
	}
	return strconv.ParseFloat(string(n), 64)
}

func (n flexNumber) uint32() (uint32, error) {
	if n == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(n), 10, 32)
	return uint32(v), err
}

// request is the wire shape shared by all actions.
type request struct {
	Action     string     `json:"action"`
	Hash       string     `json:"hash"`
	Work       string     `json:"work"`
	Difficulty string     `json:"difficulty"`
	Multiplier flexNumber `json:"multiplier"`
	Priority   flexNumber `json:"priority"`
	// ID is an opaque client correlation string, echoed in responses.
	ID string `json:"id"`
}

// Dispatcher turns decoded requests into scheduler operations and
// serializes responses. It is re-entrant and holds no locks across
// calls into the transport: deferred generate responses arrive on
// worker goroutines through the supplied respond callback.
type Dispatcher struct {
	logger      *zap.Logger
	sched       *scheduler.Scheduler
	deviceCount int
	base        numeric.U128
}

// NewDispatcher creates a dispatcher over the scheduler.
func NewDispatcher(sched *scheduler.Scheduler, deviceCount int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		sched:       sched,
		deviceCount: deviceCount,
		base:        sched.BaseDifficulty(),
	}
}

// Handle processes one request body. respond is invoked exactly once
// with the serialized response; for work_generate that happens when the
// job completes, on a worker goroutine.
func (d *Dispatcher) Handle(body []byte, respond func([]byte)) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		respond(d.errorResponse("", fmt.Sprintf("invalid request: %v", err)))
		return
	}

	switch req.Action {
	case "work_generate":
		d.generate(req, respond)
	case "work_validate":
		d.validate(req, respond)
	case "work_cancel":
		d.cancelWork(req, respond)
	default:
		respond(d.errorResponse(req.ID, "invalid action field"))
	}
}

func (d *Dispatcher) generate(req request, respond func([]byte)) {
	if d.deviceCount == 0 {
		respond(d.errorResponse(req.ID, "no work device has been configured"))
		return
	}
	if req.Hash == "" {
		respond(d.errorResponse(req.ID, "work_generate failed: missing hash value"))
		return
	}

	root, err := numeric.ParseU256(req.Hash)
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_generate failed: %v", err)))
		return
	}

	difficulty, multiplier, err := d.resolveDifficulty(req)
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_generate failed: %v", err)))
		return
	}

	priority, err := req.Priority.uint32()
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_generate failed: invalid priority: %v", err)))
		return
	}

	correlation := req.ID
	_, err = d.sched.Submit(scheduler.Request{
		RootHash:   root,
		Difficulty: difficulty,
		Multiplier: multiplier,
	}, priority, func(job scheduler.Job, testing bool, err error) {
		if err != nil {
			respond(d.errorResponse(correlation, err.Error()))
			return
		}
		resp := map[string]interface{}{
			"work":       job.Result.Work.WorkHex(),
			"difficulty": job.Result.Difficulty.Hex(),
			"multiplier": job.Result.Multiplier,
		}
		if testing {
			resp["testing"] = true
		}
		respond(d.response(correlation, resp))
	})
	if err != nil {
		respond(d.errorResponse(correlation, err.Error()))
	}
}

func (d *Dispatcher) validate(req request, respond func([]byte)) {
	if req.Hash == "" {
		respond(d.errorResponse(req.ID, "work_validate failed: missing hash value"))
		return
	}
	if req.Work == "" {
		respond(d.errorResponse(req.ID, "work_validate failed: missing work value"))
		return
	}

	root, err := numeric.ParseU256(req.Hash)
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_validate failed: %v", err)))
		return
	}
	nonce, err := numeric.ParseU128(req.Work)
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_validate failed: %v", err)))
		return
	}

	difficulty, _, err := d.resolveDifficulty(req)
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_validate failed: %v", err)))
		return
	}

	valid, achieved := work.Validate(root, nonce.Low64(), difficulty)

	status := "0"
	if valid {
		status = "1"
	}
	respond(d.response(req.ID, map[string]interface{}{
		"valid":      status,
		"difficulty": achieved.Hex(),
		"multiplier": work.ToMultiplier(achieved, d.base),
	}))
}

func (d *Dispatcher) cancelWork(req request, respond func([]byte)) {
	if req.Hash == "" {
		respond(d.errorResponse(req.ID, "work_cancel failed: missing hash value"))
		return
	}
	root, err := numeric.ParseU256(req.Hash)
	if err != nil {
		respond(d.errorResponse(req.ID, fmt.Sprintf("work_cancel failed: %v", err)))
		return
	}

	if !d.sched.Cancel(root) {
		respond(d.errorResponse(req.ID, scheduler.ErrNotFound.Error()))
		return
	}
	respond(d.response(req.ID, map[string]interface{}{"status": "cancelled"}))
}

// resolveDifficulty normalizes the request difficulty: the configured
// base, overridden by an explicit difficulty literal, overridden in turn
// by a positive multiplier.
func (d *Dispatcher) resolveDifficulty(req request) (numeric.U128, float64, error) {
	difficulty := d.base
	if req.Difficulty != "" {
		parsed, err := numeric.ParseU128(req.Difficulty)
		if err != nil {
			return numeric.U128{}, 0, fmt.Errorf("invalid difficulty: %w", err)
		}
		difficulty = parsed
	}

	multiplier, err := req.Multiplier.float64()
	if err != nil {
		return numeric.U128{}, 0, fmt.Errorf("invalid multiplier: %w", err)
	}
	if multiplier > 0 {
		difficulty = work.FromMultiplier(multiplier, d.base)
	} else {
		multiplier = work.ToMultiplier(difficulty, d.base)
	}
	return difficulty, multiplier, nil
}

// QueueSnapshot serializes the scheduler's three job collections.
func (d *Dispatcher) QueueSnapshot() []byte {
	snap := d.sched.Snapshot()

	out := map[string]interface{}{
		"queued":    jobsJSON(snap.Queued),
		"active":    jobsJSON(snap.Active),
		"completed": jobsJSON(snap.Completed),
	}
	b, err := json.Marshal(out)
	if err != nil {
		d.logger.Error("Failed to serialize queue snapshot", zap.Error(err))
		return d.errorResponse("", "failed to serialize queue")
	}
	return b
}

// QueueDelete drops all queued jobs, subject to the control setting.
func (d *Dispatcher) QueueDelete() []byte {
	if !d.sched.Purge() {
		return d.errorResponse("", scheduler.ErrControlDisabled.Error())
	}
	return d.response("", map[string]interface{}{"success": true})
}

func jobsJSON(jobs []scheduler.Job) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		out = append(out, map[string]interface{}{
			"id":       j.ID,
			"priority": j.Priority,
			"start":    j.StartMillis(),
			"end":      j.EndMillis(),
			"request": map[string]interface{}{
				"hash":       j.Request.RootHash.String(),
				"difficulty": j.Request.Difficulty.Hex(),
				"multiplier": j.Request.Multiplier,
			},
			"result": map[string]interface{}{
				"work":       j.Result.Work.WorkHex(),
				"difficulty": j.Result.Difficulty.Hex(),
				"multiplier": j.Result.Multiplier,
			},
		})
	}
	return out
}

func (d *Dispatcher) response(id string, fields map[string]interface{}) []byte {
	if id != "" {
		fields["id"] = id
	}
	b, err := json.Marshal(fields)
	if err != nil {
		d.logger.Error("Failed to serialize response", zap.Error(err))
		return []byte(`{"error":"internal serialization failure"}`)
	}
	return b
}

func (d *Dispatcher) errorResponse(id, message string) []byte {
	d.logger.Info("Reporting error to client", zap.String("error", message))
	return d.response(id, map[string]interface{}{"error": message})
}

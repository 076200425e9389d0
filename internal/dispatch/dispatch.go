// Package dispatch decides where each classified frame goes and runs the
// worker pool that drains the key-packet queue. Key packets for a drone
// whose key already exists short-circuit; drones mid-keygen are answered
// busy; everything else is assigned an idle upstream and queued. Data
// packets never queue: they either follow their drone's key affinity or
// are answered no_key.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/skyroute/drone-gateway/internal/keystate"
	"github.com/skyroute/drone-gateway/internal/metrics"
	"github.com/skyroute/drone-gateway/internal/queue"
	"github.com/skyroute/drone-gateway/internal/upstream"
)

// Action is the routing verdict for one frame.
type Action int

const (
	// ActionDispatch assigns the frame to the upstream in ServerIdx.
	ActionDispatch Action = iota
	// ActionKeyExist means the drone's key is already held; no call needed.
	ActionKeyExist
	// ActionKeyGenBusy means this drone's key generation is in flight.
	ActionKeyGenBusy
	// ActionAllBusy means no upstream can take a new key packet right now.
	ActionAllBusy
	// ActionNoKey means a data packet arrived for a drone with no known key.
	ActionNoKey
)

// Decision carries the verdict plus the fields some verdicts need.
type Decision struct {
	Action    Action
	ServerIdx int
	SN        string
}

// JobQueue is what the workers need from the queue package.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	SetProcessing(ctx context.Context, taskID, username string, serverIdx int, startTime string) error
	SetCompleted(ctx context.Context, taskID string, data []byte, username, startTime string, serverIdx int) error
	SetFailed(ctx context.Context, taskID, errMsg, username, startTime string) error
}

// Caller is the upstream client surface the workers use.
type Caller interface {
	CallDecrypt(ctx context.Context, u *upstream.Upstream, rawHex string) (*upstream.DecryptResult, error)
}

// Telemetry is the database bookkeeping written around decrypt calls. All
// of it is best-effort from the worker's point of view.
type Telemetry interface {
	TouchLastRequest(ctx context.Context, username string)
	RecordKeySuccess(ctx context.Context, username string, serverIdx int) error
	RecordKeygenBusy(ctx context.Context, serverIdx int) error
}

const (
	idleSleep    = 10 * time.Millisecond
	errorBackoff = time.Second
)

type Dispatcher struct {
	registry *upstream.Registry
	table    *keystate.Table
	jobs     JobQueue
	caller   Caller
	db       Telemetry

	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// New builds a dispatcher. rateLimit caps upstream calls per second across
// all workers; maxConcurrency caps calls in flight.
func New(registry *upstream.Registry, table *keystate.Table, jobs JobQueue, caller Caller,
	db Telemetry, rateLimit int, maxConcurrency int64, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		table:    table,
		jobs:     jobs,
		caller:   caller,
		db:       db,
		limiter:  rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		sem:      semaphore.NewWeighted(maxConcurrency),
		logger:   logger,
	}
}

// RouteKeyPacket is one routing pass for a key packet. It claims the drone
// in the processing set when it dispatches; the caller must roll that claim
// back if the job never reaches the queue.
func (d *Dispatcher) RouteKeyPacket(droneID string) Decision {
	if info, ok := d.table.LookupKey(droneID); ok {
		// A stale claim can coexist with a completed key; clear it so the
		// drone is not reported busy later.
		d.table.RemoveProcessing(droneID)
		return Decision{Action: ActionKeyExist, ServerIdx: info.ServerIdx, SN: info.SN}
	}
	if d.table.InProcessing(droneID) {
		return Decision{Action: ActionKeyGenBusy}
	}

	u := d.registry.PickIdle()
	if u == nil {
		return Decision{Action: ActionAllBusy}
	}
	if !d.table.TryAddProcessing(droneID) {
		// Another request claimed the drone between the checks.
		return Decision{Action: ActionKeyGenBusy}
	}
	return Decision{Action: ActionDispatch, ServerIdx: u.Index}
}

// RouteDataPacket is the routing pass for a data packet.
func (d *Dispatcher) RouteDataPacket(droneID string) Decision {
	if info, ok := d.table.LookupKey(droneID); ok {
		return Decision{Action: ActionDispatch, ServerIdx: info.ServerIdx}
	}
	if d.table.InProcessing(droneID) {
		return Decision{Action: ActionKeyGenBusy}
	}
	return Decision{Action: ActionNoKey}
}

// ReleaseClaim rolls back a dispatch claim that never made it into the
// queue.
func (d *Dispatcher) ReleaseClaim(droneID string) {
	d.table.RemoveProcessing(droneID)
}

// Run is one worker: it drains the queue until ctx is cancelled. Spawn one
// per upstream (minimum two).
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("worker stopped")
			return
		default:
		}

		job, err := d.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("worker stopped")
				return
			}
			d.logger.Error("dequeue failed", zap.Error(err))
			sleep(ctx, errorBackoff)
			continue
		}
		if job == nil {
			sleep(ctx, idleSleep)
			continue
		}
		d.process(ctx, job)
	}
}

func (d *Dispatcher) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	startStr := start.Format(time.RFC3339Nano)
	defer func() {
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	log := d.logger.With(
		zap.String("task_id", job.TaskID),
		zap.String("username", job.Username),
		zap.String("drone_id", job.DroneID),
		zap.Int("server_idx", job.ServerIdx),
	)

	if err := d.jobs.SetProcessing(ctx, job.TaskID, job.Username, job.ServerIdx, startStr); err != nil {
		log.Warn("marking task processing failed", zap.Error(err))
	}

	// The drone's claim must be resolved no matter how processing ends,
	// or the drone wedges in key_gen_busy until the claim TTL fires.
	keyRecorded := false
	sn := ""
	defer func() {
		if job.DroneID == "" {
			return
		}
		if keyRecorded {
			d.table.Complete(job.DroneID, job.ServerIdx, sn)
		} else {
			d.table.RemoveProcessing(job.DroneID)
		}
	}()

	if err := d.limiter.Wait(ctx); err != nil {
		d.fail(ctx, job, startStr, log, fmt.Errorf("cancelled while rate limited: %w", err))
		return
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.fail(ctx, job, startStr, log, fmt.Errorf("cancelled while awaiting slot: %w", err))
		return
	}
	defer d.sem.Release(1)

	target := d.registry.Get(job.ServerIdx)
	if target == nil {
		d.fail(ctx, job, startStr, log, fmt.Errorf("upstream %d does not exist", job.ServerIdx))
		return
	}

	d.db.TouchLastRequest(ctx, job.Username)

	res, err := d.caller.CallDecrypt(ctx, target, job.EncryptedData)
	if err != nil {
		d.fail(ctx, job, startStr, log, err)
		return
	}

	if err := d.jobs.SetCompleted(ctx, job.TaskID, res.Body, job.Username, startStr, job.ServerIdx); err != nil {
		log.Warn("storing task result failed", zap.Error(err))
	}

	msg := res.Msg()
	metrics.UpstreamResultsTotal.WithLabelValues(strconv.Itoa(job.ServerIdx), msg).Inc()
	switch msg {
	case "keygen_succ":
		keyRecorded = true
		sn = res.SN()
		log.Info("key generated", zap.String("sn", sn))
		if err := d.db.RecordKeySuccess(ctx, job.Username, job.ServerIdx); err != nil {
			log.Warn("recording key success failed", zap.Error(err))
		}
	case "keygen_busy":
		// The upstream holds the half-generated key, so affinity still
		// points there; it just cannot take more keygen work for a while.
		keyRecorded = true
		d.registry.SetBusy(job.ServerIdx)
		log.Info("upstream reports keygen busy")
		if err := d.db.RecordKeygenBusy(ctx, job.ServerIdx); err != nil {
			log.Warn("recording keygen busy failed", zap.Error(err))
		}
	case "key_exist":
		// The upstream already had the key while our affinity map did not;
		// resync so data packets route there.
		if existSN := res.SN(); existSN != "" {
			keyRecorded = true
			sn = existSN
			log.Info("key already held upstream, affinity resynced", zap.String("sn", sn))
		}
	default:
		log.Info("decrypt finished without key result",
			zap.String("msg", msg),
			zap.Int("status", res.StatusCode),
		)
	}
}

func (d *Dispatcher) fail(ctx context.Context, job *queue.Job, startStr string, log *zap.Logger, err error) {
	log.Error("task failed", zap.Error(err))
	if serr := d.jobs.SetFailed(ctx, job.TaskID, err.Error(), job.Username, startStr); serr != nil {
		log.Warn("storing task failure failed", zap.Error(serr))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

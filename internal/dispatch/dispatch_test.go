package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skyroute/drone-gateway/internal/config"
	"github.com/skyroute/drone-gateway/internal/keystate"
	"github.com/skyroute/drone-gateway/internal/queue"
	"github.com/skyroute/drone-gateway/internal/upstream"
)

type fakeJobs struct {
	mu       sync.Mutex
	pending  []*queue.Job
	statuses map[string]string
	results  map[string][]byte
	errors   map[string]string
}

func newFakeJobs(jobs ...*queue.Job) *fakeJobs {
	return &fakeJobs{
		pending:  jobs,
		statuses: make(map[string]string),
		results:  make(map[string][]byte),
		errors:   make(map[string]string),
	}
}

func (f *fakeJobs) Dequeue(ctx context.Context) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	j := f.pending[0]
	f.pending = f.pending[1:]
	return j, nil
}

func (f *fakeJobs) SetProcessing(ctx context.Context, taskID, username string, serverIdx int, startTime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = queue.StatusProcessing
	return nil
}

func (f *fakeJobs) SetCompleted(ctx context.Context, taskID string, data []byte, username, startTime string, serverIdx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = queue.StatusCompleted
	f.results[taskID] = data
	return nil
}

func (f *fakeJobs) SetFailed(ctx context.Context, taskID, errMsg, username, startTime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = queue.StatusFailed
	f.errors[taskID] = errMsg
	return nil
}

func (f *fakeJobs) status(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[taskID]
}

type fakeCaller struct {
	res *upstream.DecryptResult
	err error

	mu    sync.Mutex
	calls int
}

func (f *fakeCaller) CallDecrypt(ctx context.Context, u *upstream.Upstream, rawHex string) (*upstream.DecryptResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.res, f.err
}

type fakeDB struct {
	mu         sync.Mutex
	touched    []string
	successes  []int
	busyCounts []int
}

func (f *fakeDB) TouchLastRequest(ctx context.Context, username string) {
	f.mu.Lock()
	f.touched = append(f.touched, username)
	f.mu.Unlock()
}

func (f *fakeDB) RecordKeySuccess(ctx context.Context, username string, serverIdx int) error {
	f.mu.Lock()
	f.successes = append(f.successes, serverIdx)
	f.mu.Unlock()
	return nil
}

func (f *fakeDB) RecordKeygenBusy(ctx context.Context, serverIdx int) error {
	f.mu.Lock()
	f.busyCounts = append(f.busyCounts, serverIdx)
	f.mu.Unlock()
	return nil
}

func testDispatcher(t *testing.T, upstreams int, jobs JobQueue, caller Caller, db Telemetry) (*Dispatcher, *upstream.Registry, *keystate.Table) {
	t.Helper()
	var cfgs []config.UpstreamConfig
	for i := 0; i < upstreams; i++ {
		cfgs = append(cfgs, config.UpstreamConfig{URL: "https://up.example", Username: "u", Password: "p"})
	}
	reg := upstream.NewRegistry(cfgs, 36*time.Second, zap.NewNop())
	table, err := keystate.NewTable(64, 64, 36*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	d := New(reg, table, jobs, caller, db, 200, 200, zap.NewNop())
	return d, reg, table
}

func TestRouteKeyPacket_KeyExist(t *testing.T) {
	d, _, table := testDispatcher(t, 2, newFakeJobs(), &fakeCaller{}, &fakeDB{})
	table.Complete("f904ccef", 1, "0AXDF18001")
	table.TryAddProcessing("f904ccef")

	dec := d.RouteKeyPacket("f904ccef")
	if dec.Action != ActionKeyExist || dec.ServerIdx != 1 || dec.SN != "0AXDF18001" {
		t.Fatalf("decision = %+v, want key_exist on server 1", dec)
	}
	// A key hit clears any stale claim.
	if table.InProcessing("f904ccef") {
		t.Error("processing claim survived a key hit")
	}
}

func TestRouteKeyPacket_Busy(t *testing.T) {
	d, _, table := testDispatcher(t, 2, newFakeJobs(), &fakeCaller{}, &fakeDB{})
	table.TryAddProcessing("f904ccef")

	if dec := d.RouteKeyPacket("f904ccef"); dec.Action != ActionKeyGenBusy {
		t.Fatalf("decision = %+v, want key_gen_busy", dec)
	}
}

func TestRouteKeyPacket_DispatchClaims(t *testing.T) {
	d, _, table := testDispatcher(t, 2, newFakeJobs(), &fakeCaller{}, &fakeDB{})

	dec := d.RouteKeyPacket("f904ccef")
	if dec.Action != ActionDispatch {
		t.Fatalf("decision = %+v, want dispatch", dec)
	}
	if !table.InProcessing("f904ccef") {
		t.Fatal("dispatch must claim the drone")
	}
	// A second key packet for the same drone sees the claim.
	if dec := d.RouteKeyPacket("f904ccef"); dec.Action != ActionKeyGenBusy {
		t.Fatalf("second decision = %+v, want key_gen_busy", dec)
	}

	d.ReleaseClaim("f904ccef")
	if table.InProcessing("f904ccef") {
		t.Error("claim survived ReleaseClaim")
	}
}

func TestRouteKeyPacket_AllBusy(t *testing.T) {
	d, reg, table := testDispatcher(t, 2, newFakeJobs(), &fakeCaller{}, &fakeDB{})
	reg.SetBusy(0)
	reg.SetBusy(1)

	dec := d.RouteKeyPacket("f904ccef")
	if dec.Action != ActionAllBusy {
		t.Fatalf("decision = %+v, want all_busy", dec)
	}
	if table.InProcessing("f904ccef") {
		t.Error("all_busy must not leave a claim behind")
	}
}

func TestRouteDataPacket(t *testing.T) {
	d, _, table := testDispatcher(t, 2, newFakeJobs(), &fakeCaller{}, &fakeDB{})

	if dec := d.RouteDataPacket("f904ccef"); dec.Action != ActionNoKey {
		t.Fatalf("unknown drone: decision = %+v, want no_key", dec)
	}

	table.TryAddProcessing("f904ccef")
	if dec := d.RouteDataPacket("f904ccef"); dec.Action != ActionKeyGenBusy {
		t.Fatalf("mid-keygen drone: decision = %+v, want key_gen_busy", dec)
	}

	table.Complete("f904ccef", 1, "")
	dec := d.RouteDataPacket("f904ccef")
	if dec.Action != ActionDispatch || dec.ServerIdx != 1 {
		t.Fatalf("keyed drone: decision = %+v, want dispatch to server 1", dec)
	}
}

func keyJob(id string) *queue.Job {
	return &queue.Job{
		TaskID:        id,
		Username:      "alice",
		Priority:      1,
		EncryptedData: "a3b2c1",
		DroneID:       "f904ccef",
		ServerIdx:     0,
	}
}

func TestProcess_KeygenSucc(t *testing.T) {
	jobs := newFakeJobs()
	caller := &fakeCaller{res: &upstream.DecryptResult{
		StatusCode: 200,
		Body:       []byte(`{"msg":"keygen_succ","sn":"0AXDF18001"}`),
		Fields:     map[string]any{"msg": "keygen_succ", "sn": "0AXDF18001"},
	}}
	db := &fakeDB{}
	d, _, table := testDispatcher(t, 2, jobs, caller, db)
	table.TryAddProcessing("f904ccef")

	d.process(context.Background(), keyJob("t1"))

	if got := jobs.status("t1"); got != queue.StatusCompleted {
		t.Fatalf("task status = %q, want completed", got)
	}
	info, ok := table.LookupKey("f904ccef")
	if !ok || info.ServerIdx != 0 || info.SN != "0AXDF18001" {
		t.Errorf("affinity after success = (%+v, %v)", info, ok)
	}
	if table.InProcessing("f904ccef") {
		t.Error("claim survived a completed job")
	}
	if len(db.successes) != 1 || db.successes[0] != 0 {
		t.Errorf("RecordKeySuccess calls = %v", db.successes)
	}
	if len(db.touched) != 1 || db.touched[0] != "alice" {
		t.Errorf("TouchLastRequest calls = %v", db.touched)
	}
}

func TestProcess_KeygenBusy(t *testing.T) {
	jobs := newFakeJobs()
	caller := &fakeCaller{res: &upstream.DecryptResult{
		StatusCode: 200,
		Body:       []byte(`{"msg":"keygen_busy"}`),
		Fields:     map[string]any{"msg": "keygen_busy"},
	}}
	db := &fakeDB{}
	d, reg, table := testDispatcher(t, 2, jobs, caller, db)
	table.TryAddProcessing("f904ccef")

	d.process(context.Background(), keyJob("t1"))

	if !reg.Get(0).Busy() {
		t.Error("upstream not marked busy after keygen_busy")
	}
	// Affinity is still recorded: the upstream holds the in-progress key.
	info, ok := table.LookupKey("f904ccef")
	if !ok || info.ServerIdx != 0 || info.SN != "" {
		t.Errorf("affinity after keygen_busy = (%+v, %v)", info, ok)
	}
	if len(db.busyCounts) != 1 {
		t.Errorf("RecordKeygenBusy calls = %v", db.busyCounts)
	}
}

func TestProcess_KeyExistResync(t *testing.T) {
	jobs := newFakeJobs()
	caller := &fakeCaller{res: &upstream.DecryptResult{
		StatusCode: 200,
		Body:       []byte(`{"msg":"key_exist","sn":"0AXDF18001"}`),
		Fields:     map[string]any{"msg": "key_exist", "sn": "0AXDF18001"},
	}}
	d, _, table := testDispatcher(t, 2, jobs, caller, &fakeDB{})
	table.TryAddProcessing("f904ccef")

	d.process(context.Background(), keyJob("t1"))

	info, ok := table.LookupKey("f904ccef")
	if !ok || info.SN != "0AXDF18001" {
		t.Errorf("affinity not resynced from key_exist: (%+v, %v)", info, ok)
	}
}

func TestProcess_CallFailure(t *testing.T) {
	jobs := newFakeJobs()
	caller := &fakeCaller{err: errors.New("upstream unreachable")}
	d, _, table := testDispatcher(t, 2, jobs, caller, &fakeDB{})
	table.TryAddProcessing("f904ccef")

	d.process(context.Background(), keyJob("t1"))

	if got := jobs.status("t1"); got != queue.StatusFailed {
		t.Fatalf("task status = %q, want failed", got)
	}
	// Failure must release the claim without recording a key.
	if table.InProcessing("f904ccef") {
		t.Error("claim survived a failed job")
	}
	if _, ok := table.LookupKey("f904ccef"); ok {
		t.Error("failed job recorded an affinity entry")
	}
}

func TestRun_DrainsAndStops(t *testing.T) {
	jobs := newFakeJobs(keyJob("t1"), keyJob("t2"))
	caller := &fakeCaller{res: &upstream.DecryptResult{
		StatusCode: 200,
		Body:       []byte(`{"msg":"keygen_succ","sn":"sn1"}`),
		Fields:     map[string]any{"msg": "keygen_succ", "sn": "sn1"},
	}}
	d, _, _ := testDispatcher(t, 2, jobs, caller, &fakeDB{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if jobs.status("t1") == queue.StatusCompleted && jobs.status("t2") == queue.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not drained: t1=%q t2=%q", jobs.status("t1"), jobs.status("t2"))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

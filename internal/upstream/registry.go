package upstream

import (
	"strconv"
	"sync"
	"time"

	"github.com/skyroute/drone-gateway/internal/config"
	"github.com/skyroute/drone-gateway/internal/metrics"
	"go.uber.org/zap"
)

// Status is the coarse availability of one upstream. BUSY is soft state: it
// expires on its own once busyUntil passes, with no writeback required.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
)

func (s Status) String() string {
	if s == StatusBusy {
		return "busy"
	}
	return "idle"
}

// Upstream is one decryption server: fixed identity plus mutable state
// (busy gate and login token). Mutable fields are guarded by mu; identity
// fields are written once at startup and never change.
type Upstream struct {
	Index    int
	URL      string
	Username string
	Password string

	mu           sync.Mutex
	status       Status
	busyUntil    time.Time
	token        string
	tokenFetched time.Time
}

// Busy reports effective busyness, lazily resetting an expired BUSY mark.
func (u *Upstream) Busy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.busyLocked()
}

func (u *Upstream) busyLocked() bool {
	if u.status == StatusIdle {
		return false
	}
	if !u.busyUntil.IsZero() && time.Now().After(u.busyUntil) {
		u.status = StatusIdle
		u.busyUntil = time.Time{}
		return false
	}
	return true
}

func (u *Upstream) SetBusy(d time.Duration) {
	u.mu.Lock()
	u.status = StatusBusy
	u.busyUntil = time.Now().Add(d)
	u.mu.Unlock()
	metrics.UpstreamBusyTotal.WithLabelValues(strconv.Itoa(u.Index)).Inc()
}

// Token returns the cached login token, or "" if none is stored.
func (u *Upstream) Token() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.token
}

// NeedsRefresh reports whether the token is absent or older than maxAge.
func (u *Upstream) NeedsRefresh(maxAge time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.token == "" || time.Since(u.tokenFetched) > maxAge
}

func (u *Upstream) UpdateToken(token string) {
	u.mu.Lock()
	u.token = token
	u.tokenFetched = time.Now()
	u.mu.Unlock()
}

// InvalidateToken drops the token so the next call refreshes it.
func (u *Upstream) InvalidateToken() {
	u.mu.Lock()
	u.token = ""
	u.tokenFetched = time.Time{}
	u.mu.Unlock()
}

// Snapshot is the stats view of one upstream for the admin endpoint.
type Snapshot struct {
	Index          int    `json:"idx"`
	URL            string `json:"url"`
	Username       string `json:"username"`
	Status         string `json:"status"`
	TokenStatus    string `json:"token_status"`
	TokenFetchTime string `json:"token_fetch_time"`
}

func (u *Upstream) snapshot(tokenMaxAge time.Duration) Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	tokenStatus := "none"
	fetchTime := ""
	if u.token != "" {
		tokenStatus = "valid"
		if time.Since(u.tokenFetched) > tokenMaxAge {
			tokenStatus = "expired"
		}
		fetchTime = u.tokenFetched.Format(time.RFC3339)
	}

	status := StatusIdle
	if u.busyLocked() {
		status = StatusBusy
	}
	return Snapshot{
		Index:          u.Index,
		URL:            u.URL,
		Username:       u.Username,
		Status:         status.String(),
		TokenStatus:    tokenStatus,
		TokenFetchTime: fetchTime,
	}
}

// Registry holds the ordered upstream fleet and hands out idle upstreams in
// strict round-robin order. Round-robin (rather than least-loaded) matches
// the upstream model: busyness is all-or-nothing for a fixed duration, so
// fairness is what matters.
type Registry struct {
	upstreams   []*Upstream
	busyTimeout time.Duration

	mu   sync.Mutex
	last int
}

func NewRegistry(cfgs []config.UpstreamConfig, busyTimeout time.Duration, logger *zap.Logger) *Registry {
	r := &Registry{
		busyTimeout: busyTimeout,
		last:        -1,
	}
	for i, c := range cfgs {
		r.upstreams = append(r.upstreams, &Upstream{
			Index:    i,
			URL:      c.URL,
			Username: c.Username,
			Password: c.Password,
		})
		logger.Info("registered upstream",
			zap.Int("idx", i),
			zap.String("url", c.URL),
			zap.String("username", c.Username),
		)
	}
	return r
}

func (r *Registry) Count() int { return len(r.upstreams) }

// Get returns the upstream at idx, or nil if idx is out of range.
func (r *Registry) Get(idx int) *Upstream {
	if idx < 0 || idx >= len(r.upstreams) {
		return nil
	}
	return r.upstreams[idx]
}

func (r *Registry) All() []*Upstream {
	out := make([]*Upstream, len(r.upstreams))
	copy(out, r.upstreams)
	return out
}

// PickIdle returns the first effectively idle upstream starting one past the
// previously picked index, and advances the round-robin cursor. Returns nil
// only when the whole fleet is busy.
func (r *Registry) PickIdle() *Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.upstreams)
	if n == 0 {
		return nil
	}
	start := (r.last + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !r.upstreams[idx].Busy() {
			r.last = idx
			return r.upstreams[idx]
		}
	}
	return nil
}

// SetBusy marks the upstream at idx BUSY for the configured busy timeout.
func (r *Registry) SetBusy(idx int) {
	if u := r.Get(idx); u != nil {
		u.SetBusy(r.busyTimeout)
	}
}

// BusyTimeout is the fleet-wide BUSY duration.
func (r *Registry) BusyTimeout() time.Duration { return r.busyTimeout }

// Snapshots returns the stats view of the whole fleet.
func (r *Registry) Snapshots(tokenMaxAge time.Duration) []Snapshot {
	out := make([]Snapshot, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		out = append(out, u.snapshot(tokenMaxAge))
	}
	return out
}

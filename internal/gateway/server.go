// Package gateway is the HTTP front-end: client authentication, frame
// classification, and the decrypt API in front of the dispatcher. The
// /api surface mirrors the upstream fleet's own API so existing clients
// can point at the gateway without changes.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skyroute/drone-gateway/internal/auth"
	"github.com/skyroute/drone-gateway/internal/dispatch"
	"github.com/skyroute/drone-gateway/internal/keystate"
	"github.com/skyroute/drone-gateway/internal/queue"
	"github.com/skyroute/drone-gateway/internal/upstream"
	"github.com/skyroute/drone-gateway/internal/userstore"
)

// UserDB is the account surface the handlers need from the MySQL layer.
type UserDB interface {
	Lookup(ctx context.Context, username string) (*userstore.User, error)
	Charge(ctx context.Context, username string) (bool, int, error)
	TouchLastRequest(ctx context.Context, username string)
	RecordDataRequest(ctx context.Context, username string, serverIdx int) error
	Ping(ctx context.Context) error
}

// TokenService issues and resolves gateway tokens.
type TokenService interface {
	Issue(ctx context.Context, username string) (string, error)
	Validate(ctx context.Context, token string) (string, error)
}

// Router is the dispatcher's routing surface.
type Router interface {
	RouteKeyPacket(droneID string) dispatch.Decision
	RouteDataPacket(droneID string) dispatch.Decision
	ReleaseClaim(droneID string)
}

// TaskQueue is the queue surface the front-end uses: submit and poll.
type TaskQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	GetTask(ctx context.Context, taskID string) (*queue.TaskState, error)
	Depth(ctx context.Context) (int64, error)
}

// RedisPinger is the readiness check against Redis.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Users     UserDB
	Tokens    TokenService
	Passwords *auth.PasswordCipher
	Router    Router
	Jobs      TaskQueue
	Caller    dispatch.Caller
	Registry  *upstream.Registry
	Table     *keystate.Table
	KV        RedisPinger
}

// Settings are the handler-visible tunables.
type Settings struct {
	// AdminToken guards /api/server/stats when non-empty.
	AdminToken string
	// QueueWaitTimeout bounds how long a key-packet request blocks on its
	// task slot.
	QueueWaitTimeout time.Duration
	// TokenMaxAge is the upstream token refresh age, reported by stats.
	TokenMaxAge time.Duration
}

type Server struct {
	srv      *http.Server
	deps     Deps
	settings Settings
	logger   *zap.Logger

	// Polling knobs, overridden in tests.
	busyWaitAttempts int
	busyWaitStep     time.Duration
	resultPoll       time.Duration
}

func NewServer(addr string, deps Deps, settings Settings, logger *zap.Logger) *Server {
	s := &Server{
		deps:     deps,
		settings: settings,
		logger:   logger,

		// A key packet that finds the whole fleet busy waits out one full
		// busy window, one probe per second.
		busyWaitAttempts: 36,
		busyWaitStep:     time.Second,
		resultPoll:       50 * time.Millisecond,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/yd/decryptl", s.handleDecrypt)
	mux.HandleFunc("/api/query/persondata", s.handlePersonData)
	mux.HandleFunc("/api/server/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "drone-gateway",
		"status":  "ok",
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Users != nil {
		if err := s.deps.Users.Ping(ctx); err != nil {
			checks["mysql"] = "error"
			allOK = false
		} else {
			checks["mysql"] = "ok"
		}
	} else {
		checks["mysql"] = "error"
		allOK = false
	}

	if s.deps.KV != nil {
		if err := s.deps.KV.Ping(ctx).Err(); err != nil {
			checks["redis"] = "error"
			allOK = false
		} else {
			checks["redis"] = "ok"
		}
	} else {
		checks["redis"] = "error"
		allOK = false
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleStats reports routing state for operators: the fleet, the affinity
// map and processing set, and queue depth.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.settings.AdminToken != "" {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.settings.AdminToken {
			writeError(w, http.StatusUnauthorized, "Admin token required")
			return
		}
	}

	affinity, processing := s.deps.Table.Stats()
	affinityCap, processingCap := s.deps.Table.Caps()

	depth, err := s.deps.Jobs.Depth(r.Context())
	if err != nil {
		s.logger.Warn("reading queue depth failed", zap.Error(err))
		depth = -1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server_count":        s.deps.Registry.Count(),
		"servers":             s.deps.Registry.Snapshots(s.settings.TokenMaxAge),
		"key_cache_count":     affinity,
		"key_cache_max":       affinityCap,
		"processing_count":    processing,
		"processing_max":      processingCap,
		"queue_depth":         depth,
		"server_busy_timeout": int(s.deps.Registry.BusyTimeout().Seconds()),
		"key_busy_timeout":    int(s.deps.Table.ProcessingTTL().Seconds()),
		"token_refresh_hours": int(s.settings.TokenMaxAge.Hours()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the {"detail": ...} error shape clients of the upstream
// fleet already parse.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writePlainJSON pretty-prints a JSON payload as text/plain, the format
// the fleet's decrypt endpoint uses. Non-JSON payloads pass through
// untouched.
func writePlainJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		w.Write(body)
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

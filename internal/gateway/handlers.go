package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyroute/drone-gateway/internal/dispatch"
	"github.com/skyroute/drone-gateway/internal/metrics"
	"github.com/skyroute/drone-gateway/internal/packet"
	"github.com/skyroute/drone-gateway/internal/queue"
	"github.com/skyroute/drone-gateway/internal/userstore"
)

type loginResponse struct {
	Success bool           `json:"success"`
	Msg     string         `json:"msg"`
	Data    map[string]any `json:"data"`
}

// handleLogin verifies the account password and hands out a gateway token.
// The orders line reports quota usage the way the fleet's own login does.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	password := r.URL.Query().Get("password")
	if username == "" || password == "" {
		metrics.RequestsTotal.WithLabelValues("login", "bad_request").Inc()
		writeJSON(w, http.StatusOK, loginResponse{Success: false, Msg: "username and password are required"})
		return
	}

	user, err := s.authenticatePassword(r.Context(), username, password)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("login", "denied").Inc()
		writeJSON(w, http.StatusOK, loginResponse{Success: false, Msg: err.Error()})
		return
	}

	token, err := s.deps.Tokens.Issue(r.Context(), username)
	if err != nil {
		s.logger.Error("issuing token failed", zap.String("username", username), zap.Error(err))
		metrics.RequestsTotal.WithLabelValues("login", "error").Inc()
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	metrics.RequestsTotal.WithLabelValues("login", "ok").Inc()
	writeJSON(w, http.StatusOK, loginResponse{
		Success: true,
		Data: map[string]any{
			"token":  token,
			"orders": []string{orderLine(user)},
		},
	})
}

func orderLine(u *userstore.User) string {
	if u.Unlimited() {
		return fmt.Sprintf("%s: %d/unlimited", u.Username, u.RemainingRequests)
	}
	return fmt.Sprintf("%s: %d/%d", u.Username, u.RemainingRequests, u.TotalRequests)
}

// authenticatePassword resolves username+password to an active account.
// The error text is client-facing.
func (s *Server) authenticatePassword(ctx context.Context, username, password string) (*userstore.User, error) {
	user, err := s.deps.Users.Lookup(ctx, username)
	if err != nil {
		s.logger.Error("account lookup failed", zap.String("username", username), zap.Error(err))
		return nil, errors.New("User not found or account disabled")
	}
	if user == nil || !user.Active() {
		return nil, errors.New("User not found or account disabled")
	}
	decrypted, err := s.deps.Passwords.Decrypt(user.Password)
	if err != nil || decrypted != password {
		return nil, errors.New("Invalid password")
	}
	return user, nil
}

// handleDecrypt is the main API: authenticate, classify the frame, charge
// quota, then route. Key packets go through the priority queue; data
// packets call their drone's key server directly.
func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	user, ok := s.authenticateDecrypt(w, r)
	if !ok {
		return
	}

	pkt, err := packet.Parse(q.Get("hex"))
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("decrypt", "bad_packet").Inc()
		writeError(w, http.StatusBadRequest, "Invalid packet format: "+err.Error())
		return
	}
	metrics.PacketsTotal.WithLabelValues(pkt.Type.String()).Inc()
	if !pkt.IsValid() {
		metrics.RequestsTotal.WithLabelValues("decrypt", "useless").Inc()
		writeError(w, http.StatusBadRequest, "useless packet")
		return
	}

	// Quota is charged before routing, for key and data packets alike. The
	// charge is the atomic check; the pre-read just avoids burning a DB
	// write for accounts that are plainly out.
	if !user.Unlimited() {
		if user.RemainingRequests >= user.TotalRequests {
			metrics.RequestsTotal.WithLabelValues("decrypt", "quota").Inc()
			writeError(w, http.StatusForbidden, "Request quota exceeded")
			return
		}
		charged, _, err := s.deps.Users.Charge(ctx, user.Username)
		if err != nil {
			s.logger.Error("charging quota failed", zap.String("username", user.Username), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Service error")
			return
		}
		if !charged {
			metrics.RequestsTotal.WithLabelValues("decrypt", "quota").Inc()
			writeError(w, http.StatusForbidden, "Request quota exceeded")
			return
		}
	}

	if pkt.Type == packet.TypeKey {
		s.serveKeyPacket(w, r, user, pkt)
		return
	}
	s.serveDataPacket(w, r, user, pkt)
}

// authenticateDecrypt handles the two auth modes of the decrypt endpoint:
// a gateway token, or inline username+password. Writes the error response
// itself when authentication fails.
func (s *Server) authenticateDecrypt(w http.ResponseWriter, r *http.Request) (*userstore.User, bool) {
	ctx := r.Context()
	q := r.URL.Query()

	if token := q.Get("token"); token != "" {
		username, err := s.deps.Tokens.Validate(ctx, token)
		if err != nil {
			s.logger.Error("token validation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Service error")
			return nil, false
		}
		if username == "" {
			metrics.RequestsTotal.WithLabelValues("decrypt", "auth").Inc()
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return nil, false
		}
		// Quota columns must be fresh, so the account is read per request
		// even on the token path.
		user, err := s.deps.Users.Lookup(ctx, username)
		if err != nil {
			s.logger.Error("account lookup failed", zap.String("username", username), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Service error")
			return nil, false
		}
		if user == nil || !user.Active() {
			metrics.RequestsTotal.WithLabelValues("decrypt", "auth").Inc()
			writeError(w, http.StatusUnauthorized, "User not found or account disabled")
			return nil, false
		}
		return user, true
	}

	username := strings.TrimSpace(q.Get("username"))
	password := q.Get("password")
	if username != "" && password != "" {
		user, err := s.authenticatePassword(ctx, username, password)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues("decrypt", "auth").Inc()
			writeError(w, http.StatusUnauthorized, err.Error())
			return nil, false
		}
		return user, true
	}

	metrics.RequestsTotal.WithLabelValues("decrypt", "auth").Inc()
	writeError(w, http.StatusBadRequest, "Authentication required: username+password or token")
	return nil, false
}

// serveKeyPacket routes a key packet, queues it, and blocks until the
// worker posts a result or the wait window closes.
func (s *Server) serveKeyPacket(w http.ResponseWriter, r *http.Request, user *userstore.User, pkt *packet.Packet) {
	ctx := r.Context()

	dec := s.deps.Router.RouteKeyPacket(pkt.DroneID)
	if dec.Action == dispatch.ActionAllBusy {
		// Probe once a second for the length of one busy window; the fleet
		// usually frees up as busy marks expire.
		for attempt := 0; attempt < s.busyWaitAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.busyWaitStep):
			}
			dec = s.deps.Router.RouteKeyPacket(pkt.DroneID)
			if dec.Action != dispatch.ActionAllBusy {
				break
			}
		}
		if dec.Action == dispatch.ActionAllBusy {
			metrics.RequestsTotal.WithLabelValues("decrypt", "all_busy").Inc()
			writeError(w, http.StatusServiceUnavailable, "All servers busy, please retry later")
			return
		}
	}

	switch dec.Action {
	case dispatch.ActionKeyExist:
		metrics.RequestsTotal.WithLabelValues("decrypt", "key_exist").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"msg": "key_exist", "sn": dec.SN})
		return
	case dispatch.ActionKeyGenBusy:
		metrics.RequestsTotal.WithLabelValues("decrypt", "key_gen_busy").Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"msg":  "key_gen_busy",
			"note": "The key package is in queue",
		})
		return
	}

	job := &queue.Job{
		TaskID:        uuid.New().String(),
		Username:      user.Username,
		Priority:      user.Priority,
		UpdateTime:    user.UpdateEpoch(),
		EncryptedData: pkt.RawHex(),
		DroneID:       pkt.DroneID,
		ServerIdx:     dec.ServerIdx,
	}
	if err := s.deps.Jobs.Enqueue(ctx, job); err != nil {
		// The routing pass claimed the drone; a job that never queued must
		// release it or the drone stays busy for a full TTL.
		s.deps.Router.ReleaseClaim(pkt.DroneID)
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.RequestsTotal.WithLabelValues("decrypt", "queue_full").Inc()
			writeError(w, http.StatusServiceUnavailable, "Task queue is full: exceeds the system's maximum length")
			return
		}
		s.logger.Error("enqueue failed", zap.String("task_id", job.TaskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Task processing failed")
		return
	}

	s.awaitTaskResult(w, r, job.TaskID)
}

// awaitTaskResult polls the task slot until it completes, fails, or the
// wait window closes. A missing slot means the TTL fired.
func (s *Server) awaitTaskResult(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	deadline := time.Now().Add(s.settings.QueueWaitTimeout)

	for {
		if time.Now().After(deadline) {
			metrics.RequestsTotal.WithLabelValues("decrypt", "wait_timeout").Inc()
			writeError(w, http.StatusServiceUnavailable, "Server busy, please retry later")
			return
		}

		st, err := s.deps.Jobs.GetTask(ctx, taskID)
		if err != nil {
			s.logger.Error("reading task slot failed", zap.String("task_id", taskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Task processing failed")
			return
		}
		if st == nil {
			metrics.RequestsTotal.WithLabelValues("decrypt", "wait_timeout").Inc()
			writeError(w, http.StatusServiceUnavailable, "Server busy, please retry later")
			return
		}

		switch st.Status {
		case queue.StatusCompleted:
			metrics.RequestsTotal.WithLabelValues("decrypt", "ok").Inc()
			writePlainJSON(w, st.Data)
			return
		case queue.StatusFailed:
			s.logger.Warn("task failed", zap.String("task_id", taskID), zap.String("error", st.Error))
			metrics.RequestsTotal.WithLabelValues("decrypt", "failed").Inc()
			writeError(w, http.StatusInternalServerError, "Task processing failed")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.resultPoll):
		}
	}
}

// serveDataPacket is the fast path: no queue, a direct call to the
// upstream holding the drone's key.
func (s *Server) serveDataPacket(w http.ResponseWriter, r *http.Request, user *userstore.User, pkt *packet.Packet) {
	ctx := r.Context()

	dec := s.deps.Router.RouteDataPacket(pkt.DroneID)
	switch dec.Action {
	case dispatch.ActionNoKey:
		metrics.RequestsTotal.WithLabelValues("decrypt", "no_key").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"msg": "no_key"})
		return
	case dispatch.ActionKeyGenBusy:
		// The key packet is still being generated; the data packet cannot
		// be decrypted anywhere yet.
		metrics.RequestsTotal.WithLabelValues("decrypt", "key_gen_busy").Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"msg":  "key_gen_busy",
			"note": "The key package is in queue",
		})
		return
	}

	target := s.deps.Registry.Get(dec.ServerIdx)
	if target == nil {
		s.logger.Error("affinity points at missing upstream", zap.Int("server_idx", dec.ServerIdx))
		writeError(w, http.StatusInternalServerError, "Task processing failed")
		return
	}

	s.deps.Users.TouchLastRequest(ctx, user.Username)
	if err := s.deps.Users.RecordDataRequest(ctx, user.Username, dec.ServerIdx); err != nil {
		s.logger.Warn("recording data request failed", zap.Error(err))
	}

	res, err := s.deps.Caller.CallDecrypt(ctx, target, pkt.RawHex())
	if err != nil {
		s.logger.Error("data packet decrypt failed",
			zap.String("drone_id", pkt.DroneID),
			zap.Int("server_idx", dec.ServerIdx),
			zap.Error(err),
		)
		metrics.RequestsTotal.WithLabelValues("decrypt", "failed").Inc()
		writeError(w, http.StatusInternalServerError, "Task processing failed")
		return
	}

	metrics.RequestsTotal.WithLabelValues("decrypt", "ok").Inc()
	writePlainJSON(w, res.Body)
}

type personDataResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// handlePersonData reports quota usage. The endpoint always answers HTTP
// 200 with the outcome in the body's code field, and rejects any query
// parameter beyond username and password.
func (s *Server) handlePersonData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var extra []string
	for key := range q {
		if key != "username" && key != "password" {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		writePersonData(w, 400, "Invalid parameters: "+strings.Join(extra, ", "), nil)
		return
	}
	if !q.Has("username") || !q.Has("password") {
		var missing []string
		if !q.Has("username") {
			missing = append(missing, "username")
		}
		if !q.Has("password") {
			missing = append(missing, "password")
		}
		writePersonData(w, 400, "Missing required parameters: "+strings.Join(missing, ", "), nil)
		return
	}

	username := strings.TrimSpace(q.Get("username"))
	password := q.Get("password")
	if username == "" {
		writePersonData(w, 400, "Username cannot be empty", nil)
		return
	}
	if strings.TrimSpace(password) == "" {
		writePersonData(w, 400, "Password cannot be empty", nil)
		return
	}

	user, err := s.deps.Users.Lookup(r.Context(), username)
	if err != nil {
		s.logger.Error("account lookup failed", zap.String("username", username), zap.Error(err))
		writePersonData(w, 500, "Service error", nil)
		return
	}
	if user == nil {
		writePersonData(w, 401, "User not found", nil)
		return
	}
	decrypted, err := s.deps.Passwords.Decrypt(user.Password)
	if err != nil || decrypted != password {
		writePersonData(w, 401, "Invalid password", nil)
		return
	}
	if !user.Active() {
		writePersonData(w, 403, "User account disabled", nil)
		return
	}

	visitTimes := "unlimited"
	if !user.Unlimited() {
		visitTimes = fmt.Sprintf("%d/%d", user.RemainingRequests, user.TotalRequests)
	}
	writePersonData(w, 200, "Success", map[string]any{"visitTimes": visitTimes})
}

func writePersonData(w http.ResponseWriter, code int, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, http.StatusOK, personDataResponse{Code: code, Message: message, Data: data})
}

package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skyroute/drone-gateway/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrAuthFailed covers upstream login failures, including the permanent
	// misconfiguration case where an http:// URL redirects to HTTPS.
	ErrAuthFailed = errors.New("upstream auth failed")
	// ErrCallFailed covers transport errors and unparseable bodies.
	ErrCallFailed = errors.New("upstream call failed")
)

const attemptTimeout = 30 * time.Second

// DecryptResult is one upstream response to a decrypt call. Body is the raw
// bytes for passthrough to the caller; Fields is the decoded JSON object the
// dispatcher inspects.
type DecryptResult struct {
	StatusCode int
	Body       []byte
	Fields     map[string]any
}

// Msg returns the upstream's classification string ("keygen_succ",
// "keygen_busy", "key_exist", ...), or "" when absent.
func (r *DecryptResult) Msg() string {
	s, _ := r.Fields["msg"].(string)
	return s
}

// SN returns the drone serial number carried by the response, or "".
func (r *DecryptResult) SN() string {
	s, _ := r.Fields["sn"].(string)
	return s
}

// Client talks to the upstream fleet: per-upstream token lifecycle plus the
// decrypt call with a single invalidate-and-retry when a token has gone
// stale under us.
type Client struct {
	http        *http.Client
	tokenMaxAge time.Duration
	logger      *zap.Logger
}

func NewClient(tokenMaxAge time.Duration, logger *zap.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: attemptTimeout,
			Transport: &http.Transport{
				// The fleet runs self-signed certificates on private
				// addresses.
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     30 * time.Second,
			},
			// Redirects are a misconfiguration signal, not something to
			// follow; see EnsureToken.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tokenMaxAge: tokenMaxAge,
		logger:      logger,
	}
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type loginResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
}

// EnsureToken returns a token for u, logging in if the stored one is absent
// or older than the refresh age.
func (c *Client) EnsureToken(ctx context.Context, u *Upstream) (string, error) {
	if !u.NeedsRefresh(c.tokenMaxAge) {
		return u.Token(), nil
	}

	c.logger.Info("refreshing upstream token", zap.Int("idx", u.Index), zap.String("url", u.URL))

	q := url.Values{}
	q.Set("username", u.Username)
	q.Set("password", u.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL+"/api/login?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("upstream %d: %w: %v", u.Index, ErrAuthFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "error").Inc()
		return "", fmt.Errorf("upstream %d: %w: login request: %v", u.Index, ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		// The upstream forces HTTPS; the configured base URL is wrong and
		// retrying cannot help.
		metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "redirect").Inc()
		return "", fmt.Errorf("upstream %d: %w: login redirected to %q, base URL must use https",
			u.Index, ErrAuthFailed, resp.Header.Get("Location"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "error").Inc()
		return "", fmt.Errorf("upstream %d: %w: reading login response: %v", u.Index, ErrAuthFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "http_error").Inc()
		return "", fmt.Errorf("upstream %d: %w: login returned HTTP %d", u.Index, ErrAuthFailed, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "bad_body").Inc()
		return "", fmt.Errorf("upstream %d: %w: malformed login response: %v", u.Index, ErrAuthFailed, err)
	}
	if !lr.Success || lr.Data.Token == "" {
		metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "rejected").Inc()
		return "", fmt.Errorf("upstream %d: %w: login rejected: %s", u.Index, ErrAuthFailed, lr.Msg)
	}

	u.UpdateToken(lr.Data.Token)
	metrics.TokenRefreshesTotal.WithLabelValues(strconv.Itoa(u.Index), "ok").Inc()
	c.logger.Info("upstream token refreshed", zap.Int("idx", u.Index))
	return lr.Data.Token, nil
}

// CallDecrypt forwards the raw frame hex to u. Up to two attempts: if the
// first answer signals a stale token (HTTP 401, or a 200 body whose msg
// names the token as invalid/expired), the token is dropped and the call
// repeated once with a fresh login. Every other outcome, including non-2xx
// statuses with a JSON body, is returned as-is for the caller to inspect.
func (c *Client) CallDecrypt(ctx context.Context, u *Upstream, rawHex string) (*DecryptResult, error) {
	idx := strconv.Itoa(u.Index)
	start := time.Now()
	defer func() {
		metrics.UpstreamCallDuration.WithLabelValues(idx, "decrypt").Observe(time.Since(start).Seconds())
	}()

	var res *DecryptResult
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.EnsureToken(ctx, u)
		if err != nil {
			return nil, err
		}

		q := url.Values{}
		q.Set("hex", rawHex)
		q.Set("token", token)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL+"/api/yd/decryptl?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("upstream %d: %w: %v", u.Index, ErrCallFailed, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream %d: %w: %v", u.Index, ErrCallFailed, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("upstream %d: %w: reading response: %v", u.Index, ErrCallFailed, err)
		}

		res = &DecryptResult{StatusCode: resp.StatusCode, Body: body}
		if len(body) > 0 {
			// Non-JSON bodies on non-2xx statuses stay raw; the token check
			// below only needs the msg field when present.
			var fields map[string]any
			if jsonErr := json.Unmarshal(body, &fields); jsonErr == nil {
				res.Fields = fields
			}
		}

		if tokenInvalid(resp.StatusCode, res.Msg()) {
			c.logger.Warn("upstream reports stale token",
				zap.Int("idx", u.Index),
				zap.Int("status", resp.StatusCode),
				zap.String("msg", res.Msg()),
				zap.Int("attempt", attempt+1),
			)
			u.InvalidateToken()
			continue
		}

		if resp.StatusCode == http.StatusOK && res.Fields == nil {
			return nil, fmt.Errorf("upstream %d: %w: malformed response body", u.Index, ErrCallFailed)
		}
		return res, nil
	}

	// Both attempts saw a stale token; hand back the last response so the
	// caller records the failure instead of looping.
	return res, nil
}

// tokenInvalid detects a stale-token answer: a 401, or a 200 whose msg
// mentions the token being invalid or expired (including the localized
// form the fleet emits).
func tokenInvalid(status int, msg string) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusOK {
		return false
	}
	m := strings.ToLower(msg)
	if !strings.Contains(m, "token") {
		return false
	}
	return strings.Contains(m, "invalid") || strings.Contains(m, "expired") || strings.Contains(m, "失效")
}

// Package userstore is the MySQL layer: account lookup and quota charging
// for the front-end, plus the per-upstream counters and decrypt logs the
// workers write. Quota is counted upward: remaining_requests holds the
// number of requests already used against total_requests, and a
// total_requests of -1 means unlimited.
package userstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// User is one sys_user row, restricted to the columns the gateway reads.
type User struct {
	UserID              int64
	Username            string
	Password            string
	Status              string
	Priority            int
	UpdateTime          sql.NullTime
	RemainingRequests   int
	TotalRequests       int
	DecryptSuccessCount int
}

// Active reports whether the account may use the service.
func (u *User) Active() bool { return u.Status == "0" }

// Unlimited reports whether the account has no request cap.
func (u *User) Unlimited() bool { return u.TotalRequests == -1 }

// UpdateEpoch returns update_time as a Unix timestamp, or 0 when unset.
func (u *User) UpdateEpoch() int64 {
	if !u.UpdateTime.Valid {
		return 0
	}
	return u.UpdateTime.Time.Unix()
}

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens the MySQL pool. The DSN is normalized to parse DATETIME columns
// into time.Time regardless of how it was written in the config.
func New(dsn string, maxOpen, maxIdle int, logger *zap.Logger) (*Store, error) {
	normalized, err := normalizeDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("userstore: %w", err)
	}
	db, err := sql.Open("mysql", normalized)
	if err != nil {
		return nil, fmt.Errorf("userstore: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db, logger: logger}, nil
}

func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `user_id, user_name, password, status, priority,
	update_time, remaining_requests, total_requests, decrypt_success_count`

// Lookup fetches the account by username. Returns (nil, nil) when no such
// account exists. Never cached: quota columns must be read fresh.
func (s *Store) Lookup(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM sys_user WHERE user_name = ?`, username)

	var u User
	err := row.Scan(&u.UserID, &u.Username, &u.Password, &u.Status, &u.Priority,
		&u.UpdateTime, &u.RemainingRequests, &u.TotalRequests, &u.DecryptSuccessCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("userstore: lookup %q: %w", username, err)
	}
	return &u, nil
}

// Charge consumes one request from the account's quota. The guard lives in
// the WHERE clause so concurrent requests cannot overdraw: the UPDATE only
// lands while used < total (or the account is unlimited). Returns whether
// the charge landed and the used count afterwards.
func (s *Store) Charge(ctx context.Context, username string) (bool, int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sys_user
		    SET remaining_requests = remaining_requests + 1
		  WHERE user_name = ?
		    AND (total_requests = -1 OR remaining_requests < total_requests)`,
		username)
	if err != nil {
		return false, 0, fmt.Errorf("userstore: charge %q: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("userstore: charge %q: %w", username, err)
	}
	if n == 0 {
		return false, 0, nil
	}

	var used int
	err = s.db.QueryRowContext(ctx,
		`SELECT remaining_requests FROM sys_user WHERE user_name = ?`, username).Scan(&used)
	if err != nil {
		return true, 0, fmt.Errorf("userstore: read used count for %q: %w", username, err)
	}
	return true, used, nil
}

// TouchLastRequest stamps lastRequestTime. Failures are logged, not
// returned: bookkeeping must never fail a decrypt request.
func (s *Store) TouchLastRequest(ctx context.Context, username string) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sys_user SET lastRequestTime = NOW() WHERE user_name = ?`, username)
	if err != nil {
		s.logger.Warn("updating lastRequestTime failed", zap.String("username", username), zap.Error(err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("lastRequestTime update matched no account", zap.String("username", username))
	}
}

// RecordKeySuccess writes the bookkeeping for a successful key generation:
// upstream counters, the account's success count, and the decrypt log and
// key relation rows. Runs in one transaction so the counters stay
// consistent with the log rows.
func (s *Store) RecordKeySuccess(ctx context.Context, username string, serverIdx int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("userstore: record key success: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM sys_user WHERE user_name = ?`, username).Scan(&userID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("userstore: record key success: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE server_stats
		    SET request_total = request_total + 1, key_success = key_success + 1
		  WHERE id = ?`, serverIdx); err != nil {
		return fmt.Errorf("userstore: record key success: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sys_user SET decrypt_success_count = decrypt_success_count + 1
		  WHERE user_name = ?`, username); err != nil {
		return fmt.Errorf("userstore: record key success: %w", err)
	}
	if userID != 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_decrypt_log (user_id, decrypt_time) VALUES (?, NOW())`,
			userID); err != nil {
			return fmt.Errorf("userstore: record key success: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO server_key_relation (server_id, user_id, decrypt_time)
			 VALUES (?, ?, NOW())`, serverIdx, userID); err != nil {
			return fmt.Errorf("userstore: record key success: %w", err)
		}
	}
	return tx.Commit()
}

// RecordKeygenBusy bumps the upstream's request and busy counters.
func (s *Store) RecordKeygenBusy(ctx context.Context, serverIdx int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE server_stats
		    SET request_total = request_total + 1, keygen_busy = keygen_busy + 1
		  WHERE id = ?`, serverIdx)
	if err != nil {
		return fmt.Errorf("userstore: record keygen busy: %w", err)
	}
	return nil
}

// RecordDataRequest bumps the upstream's request counter and logs the
// decrypt for a data-packet fast-path call.
func (s *Store) RecordDataRequest(ctx context.Context, username string, serverIdx int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE server_stats SET request_total = request_total + 1 WHERE id = ?`, serverIdx); err != nil {
		return fmt.Errorf("userstore: record data request: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_decrypt_log (user_id, decrypt_time)
		 SELECT user_id, NOW() FROM sys_user WHERE user_name = ?`, username); err != nil {
		return fmt.Errorf("userstore: record data request: %w", err)
	}
	return nil
}

// TrimOldRelations deletes server_key_relation rows older than the cutoff
// and returns how many went.
func (s *Store) TrimOldRelations(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM server_key_relation WHERE decrypt_time < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("userstore: trim relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TrimOldDecryptLogs deletes user_decrypt_log rows older than the cutoff
// and returns how many went.
func (s *Store) TrimOldDecryptLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_decrypt_log WHERE decrypt_time < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("userstore: trim decrypt logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

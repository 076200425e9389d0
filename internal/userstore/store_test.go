package userstore

import (
	"database/sql"
	"strings"
	"testing"
	"time"
)

func TestNormalizeDSN_AddsParseTime(t *testing.T) {
	got, err := normalizeDSN("gateway:pw@tcp(10.0.0.5:3306)/dronegw")
	if err != nil {
		t.Fatalf("normalizeDSN: %v", err)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("parseTime not forced: %q", got)
	}
}

func TestNormalizeDSN_KeepsExistingParams(t *testing.T) {
	got, err := normalizeDSN("gateway:pw@tcp(10.0.0.5:3306)/dronegw?charset=utf8mb4&parseTime=false")
	if err != nil {
		t.Fatalf("normalizeDSN: %v", err)
	}
	if !strings.Contains(got, "charset=utf8mb4") {
		t.Errorf("existing param dropped: %q", got)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("parseTime=false not overridden: %q", got)
	}
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	if _, err := normalizeDSN("not a dsn at all ://"); err == nil {
		t.Error("expected error for malformed DSN")
	}
}

func TestUser_Active(t *testing.T) {
	if !(&User{Status: "0"}).Active() {
		t.Error("status 0 should be active")
	}
	if (&User{Status: "1"}).Active() {
		t.Error("status 1 should be disabled")
	}
}

func TestUser_Unlimited(t *testing.T) {
	if !(&User{TotalRequests: -1}).Unlimited() {
		t.Error("total_requests -1 should be unlimited")
	}
	if (&User{TotalRequests: 100}).Unlimited() {
		t.Error("capped account reported unlimited")
	}
}

func TestUser_UpdateEpoch(t *testing.T) {
	if got := (&User{}).UpdateEpoch(); got != 0 {
		t.Errorf("UpdateEpoch with NULL update_time = %d, want 0", got)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := &User{UpdateTime: sql.NullTime{Time: ts, Valid: true}}
	if got := u.UpdateEpoch(); got != ts.Unix() {
		t.Errorf("UpdateEpoch = %d, want %d", got, ts.Unix())
	}
}

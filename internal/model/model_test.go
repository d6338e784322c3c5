package model

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIDSortsInCreationOrder(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("NewID() = %q after %q, want increasing ids", id, prev)
		}
		prev = id
	}
}

func TestNewWorkerID(t *testing.T) {
	id := NewWorkerID("build-7")
	if !regexp.MustCompile(`^build-7-[0-9a-z]{8}$`).MatchString(id) {
		t.Errorf("NewWorkerID() = %q", id)
	}
	if other := NewWorkerID("build-7"); other == id {
		t.Errorf("NewWorkerID() repeated %q", id)
	}
	if id := NewWorkerID(""); !strings.HasPrefix(id, "forge-") {
		t.Errorf("NewWorkerID(\"\") = %q, want forge- prefix", id)
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusLeased, StatusDispatched, true},
		{StatusLeased, StatusAbandoned, true},
		{StatusLeased, StatusCompleted, false},
		{StatusDispatched, StatusCompleted, true},
		{StatusDispatched, StatusFailed, true},
		{StatusDispatched, StatusIncident, true},
		{StatusDispatched, StatusBPMNError, true},
		{StatusDispatched, StatusAbandoned, true},
		{StatusDispatched, StatusLeased, false},
		{StatusCompleted, StatusFailed, false},
		{StatusIncident, StatusIncident, false},
		{StatusAbandoned, StatusDispatched, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusIncident, StatusBPMNError, StatusAbandoned} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusLeased, StatusDispatched} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		name string
		o    Outcome
		want string
	}{
		{"complete", Complete(Variables{"a": 1}), StatusCompleted},
		{"fail", Fail("boom", "detail"), StatusIncident},
		{"fail with retry", FailWithRetry("boom", "detail", 2, time.Second), StatusFailed},
		{"negative retries clamp", FailWithRetry("boom", "detail", -3, 0), StatusIncident},
		{"bpmn error", BPMNError("E42", "no stock"), StatusBPMNError},
		{"zero value", Outcome{}, StatusAbandoned},
	}
	for _, tt := range tests {
		if got := tt.o.Status(); got != tt.want {
			t.Errorf("%s: Status() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	l := Lease{LockExpiresAt: now.Add(time.Second)}

	if l.Expired(now, 0) {
		t.Error("lease expiring in 1s reported expired with no margin")
	}
	if !l.Expired(now, 2*time.Second) {
		t.Error("lease expiring in 1s not expired with 2s margin")
	}
	if !l.Expired(now.Add(time.Second), 0) {
		t.Error("lease not expired at its expiry instant")
	}
}

func TestVariablesInt(t *testing.T) {
	v := Variables{
		"int":   21,
		"int64": int64(7),
		"float": float64(3),
		"frac":  1.5,
		"str":   "12",
		"bad":   "x",
		"null":  nil,
		"bool":  true,
	}

	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"int", 21, false},
		{"int64", 7, false},
		{"float", 3, false},
		{"frac", 0, true},
		{"str", 12, false},
		{"bad", 0, true},
		{"null", 0, true},
		{"bool", 0, true},
		{"missing", 0, true},
	}
	for _, tt := range tests {
		got, err := v.Int(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("Int(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Int(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestVariablesString(t *testing.T) {
	v := Variables{"s": "hello", "n": 5, "null": nil}

	if got, ok := v.String("s"); !ok || got != "hello" {
		t.Errorf("String(s) = %q, %v", got, ok)
	}
	if got, ok := v.String("n"); !ok || got != "5" {
		t.Errorf("String(n) = %q, %v", got, ok)
	}
	if _, ok := v.String("null"); ok {
		t.Error("String(null) ok = true, want false")
	}
	if _, ok := v.String("missing"); ok {
		t.Error("String(missing) ok = true, want false")
	}
}

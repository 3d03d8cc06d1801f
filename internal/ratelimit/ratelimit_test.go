package ratelimit

import (
	"testing"
	"time"
)

func TestExactlyNAllowedPerWindow(t *testing.T) {
	l := New(3, time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow(now) {
			t.Fatalf("request %d refused inside limit", i+1)
		}
	}
	if l.Allow(now) {
		t.Error("request 4 allowed beyond limit")
	}
}

func TestWindowRollover(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Now()
	l.Allow(now)
	l.Allow(now)
	if l.Allow(now.Add(30 * time.Second)) {
		t.Error("allowed within exhausted window")
	}
	if !l.Allow(now.Add(time.Minute)) {
		t.Error("refused after window rollover")
	}
}

func TestDisabledLimiter(t *testing.T) {
	l := New(0, time.Minute)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !l.Allow(now) {
			t.Fatal("disabled limiter refused a request")
		}
	}
	if l.Enabled() {
		t.Error("Enabled() should be false for zero max")
	}
}

func TestRemaining(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Now()
	if got := l.Remaining(now); got != 2 {
		t.Errorf("fresh Remaining = %d", got)
	}
	l.Allow(now)
	if got := l.Remaining(now); got != 1 {
		t.Errorf("after one: Remaining = %d", got)
	}
	l.Allow(now)
	l.Allow(now)
	if got := l.Remaining(now); got != 0 {
		t.Errorf("exhausted Remaining = %d", got)
	}
	if got := l.Remaining(now.Add(2 * time.Minute)); got != 2 {
		t.Errorf("rolled-over Remaining = %d", got)
	}
}

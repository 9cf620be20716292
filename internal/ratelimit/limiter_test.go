package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	l := New(3, time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow(now) {
			t.Fatalf("admission %d should be allowed", i)
		}
	}
	if l.Allow(now) {
		t.Fatal("4th admission within the same instant should be denied")
	}
}

func TestLimiterSlidesWithTime(t *testing.T) {
	l := New(1, time.Minute)
	start := time.Now()
	if !l.Allow(start) {
		t.Fatal("first admission should be allowed")
	}
	if l.Allow(start.Add(30 * time.Second)) {
		t.Fatal("second admission within the window should be denied")
	}
	if !l.Allow(start.Add(61 * time.Second)) {
		t.Fatal("admission after the window elapses should be allowed")
	}
}

func TestLimiterZeroLimitDisablesLimiting(t *testing.T) {
	l := New(0, time.Minute)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow(now) {
			t.Fatal("zero limit should never deny")
		}
	}
}

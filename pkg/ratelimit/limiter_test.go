package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWait_DisabledIsImmediate(t *testing.T) {
	limiter := New(DefaultConfig())

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.Wait(context.Background(), "https://gis.example.com/arcgis/rest"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("disabled limiter paced requests, elapsed = %v", elapsed)
	}
}

func TestWait_PacesBeyondBurst(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 20, Burst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background(), "https://gis.example.com/arcgis/rest"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// First token is free, the next two should wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("expected pacing of at least 80ms, elapsed = %v", elapsed)
	}
}

func TestWait_SeparateHostsDoNotShareBuckets(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, Burst: 1})

	start := time.Now()
	hosts := []string{
		"https://a.example.com/rest",
		"https://b.example.com/rest",
		"https://c.example.com/rest",
	}
	for _, h := range hosts {
		if err := limiter.Wait(context.Background(), h); err != nil {
			t.Fatalf("Wait(%s) error = %v", h, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("independent hosts should not queue on each other, elapsed = %v", elapsed)
	}
}

func TestWait_ContextCancellation(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 0.1, Burst: 1})

	url := "https://slow.example.com/rest"
	if err := limiter.Wait(context.Background(), url); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, url); err == nil {
		t.Error("expected error when context expires before a token is available")
	}
}

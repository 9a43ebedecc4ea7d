package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu     sync.Mutex
	calls  int
	limits []int
	err    error
}

func (f *fakeExpirer) ExpireDue(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	return 1, f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSweepOnce(t *testing.T) {
	f := &fakeExpirer{err: errors.New("db down")}
	if err := sweep(context.Background(), f, 0, 50, quiet); err == nil {
		t.Fatalf("single sweep should return the error")
	}
	if f.calls != 1 || f.limits[0] != 50 {
		t.Fatalf("unexpected calls %d limits %v", f.calls, f.limits)
	}
}

func TestSweepRepeatsUntilCancelled(t *testing.T) {
	f := &fakeExpirer{err: errors.New("transient")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweep(ctx, f, 5*time.Millisecond, 10, quiet) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep did not repeat, calls=%d", f.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("cancelled loop should stop cleanly: %v", err)
	}
}

func TestRunAppLogsFailure(t *testing.T) {
	t.Setenv("PG_DSN", "")
	os.Unsetenv("PG_DSN")
	var stderr bytes.Buffer
	if code := runApp([]string{"sweeper", "expire"}, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	out := stderr.String()
	if !strings.Contains(out, `"msg":"sweeper failed"`) || !strings.Contains(out, "pg-dsn") {
		t.Fatalf("expected a structured failure record naming the flag, got %s", out)
	}
}

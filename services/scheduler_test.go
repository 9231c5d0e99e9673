package services

import (
	"context"
	"testing"
	"time"

	"realtor-tracker/storage"
)

func TestNewSyncSchedulerRejectsBadSpec(t *testing.T) {
	s := NewSyncer(storage.NewMemoryStore(), &fakeSource{}, newTestLogger(), SyncerOptions{})
	if _, err := NewSyncScheduler("every tuesday-ish", time.UTC, 0, s, newTestLogger()); err == nil {
		t.Error("want error for an unparseable schedule")
	}
}

func TestSyncSchedulerNext(t *testing.T) {
	s := NewSyncer(storage.NewMemoryStore(), &fakeSource{}, newTestLogger(), SyncerOptions{})
	sched, err := NewSyncScheduler("@every 1h", time.UTC, time.Minute, s, newTestLogger())
	if err != nil {
		t.Fatalf("NewSyncScheduler: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	next := sched.Next()
	if until := time.Until(next); until <= 0 || until > time.Hour+time.Second {
		t.Errorf("Next: got %v from now, want within the hour", until)
	}
}

func TestSyncSchedulerRunOnceSkipsWhenBusy(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	s := NewSyncer(storage.NewMemoryStore(), src, newTestLogger(), SyncerOptions{})
	sched, err := NewSyncScheduler("@daily", time.UTC, 0, s, newTestLogger())
	if err != nil {
		t.Fatalf("NewSyncScheduler: %v", err)
	}

	go func() { _, _ = s.Run(context.Background()) }()
	for !s.Status().Running {
		time.Sleep(time.Millisecond)
	}
	// Must return immediately instead of waiting on the running sync.
	sched.runOnce()
	close(src.block)
}

package notify

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.PublishCycle(context.Background(), &models.ReconcileResult{CycleID: "c1"}); err != nil {
		t.Errorf("PublishCycle: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot open listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err = NewRedisPublisher(ctx, addr, "realtor:cycles", utils.NewDiscardLogger())
	if err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
	if !strings.Contains(err.Error(), "redis: ping") {
		t.Errorf("error: got %q, want redis: ping prefix", err)
	}
}

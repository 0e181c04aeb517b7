package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/go-cmp/cmp"
)

func TestEventWatcher_WaitDeleted(t *testing.T) {
	src := &mockEvents{ch: make(chan libvirt.DomainEvent, 4)}
	w, err := WatchEvents(context.Background(), src, "vm1")
	if err != nil {
		t.Fatalf("WatchEvents failed: %v", err)
	}
	defer w.Close()

	src.ch <- libvirt.DomainEvent{Event: "BLOCK_JOB_COMPLETED", Details: []byte(`{"device":"stg0"}`)}
	src.ch <- libvirt.DomainEvent{Event: deviceDeleted, Details: []byte(`{"device":"stg0","path":"/machine/peripheral/stg0"}`)}
	src.ch <- libvirt.DomainEvent{Event: deviceDeleted, Details: []byte(`{"device":"stg1","path":"/machine/peripheral/stg1"}`)}

	if err := w.WaitDeleted(context.Background(), []string{"stg0", "stg1"}, 2*time.Second); err != nil {
		t.Fatalf("WaitDeleted failed: %v", err)
	}
	if w.Seen("stg0") {
		t.Error("expected matched event to be consumed")
	}
}

func TestEventWatcher_Timeout(t *testing.T) {
	src := &mockEvents{ch: make(chan libvirt.DomainEvent, 1)}
	w, err := WatchEvents(context.Background(), src, "vm1")
	if err != nil {
		t.Fatalf("WatchEvents failed: %v", err)
	}
	defer w.Close()

	src.ch <- libvirt.DomainEvent{Event: deviceDeleted, Details: []byte(`{"device":"stg0"}`)}

	err = w.WaitDeleted(context.Background(), []string{"stg1", "stg0"}, 300*time.Millisecond)
	var timeout *EventTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected EventTimeoutError, got %v", err)
	}
	if diff := cmp.Diff([]string{"stg1"}, timeout.Pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
	if !w.Seen("stg0") {
		t.Error("expected unmatched wait to leave recorded events in place")
	}
}

func TestEventWatcher_ContextCancelled(t *testing.T) {
	src := &mockEvents{ch: make(chan libvirt.DomainEvent)}
	w, err := WatchEvents(context.Background(), src, "vm1")
	if err != nil {
		t.Fatalf("WatchEvents failed: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.WaitDeleted(ctx, []string{"stg0"}, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
)

// deviceDeleted is the QMP event emitted once a guest released a device.
const deviceDeleted = "DEVICE_DELETED"

// eventSource is the libvirt operation an EventWatcher needs.
type eventSource interface {
	SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error)
}

// EventWatcher records DEVICE_DELETED events for one domain.
type EventWatcher struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	deleted map[string]bool
}

// WatchEvents subscribes to the domain's QMP events until Close is called.
func WatchEvents(ctx context.Context, src eventSource, domain string) (*EventWatcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	events, err := src.SubscribeQEMUEvents(ctx, domain)
	if err != nil {
		cancel()
		return nil, err
	}

	w := &EventWatcher{
		cancel:  cancel,
		deleted: make(map[string]bool),
	}
	go w.run(events)
	return w, nil
}

func (w *EventWatcher) run(events <-chan libvirt.DomainEvent) {
	for ev := range events {
		if ev.Event != deviceDeleted {
			continue
		}
		var data struct {
			Device string `json:"device"`
			Path   string `json:"path"`
		}
		if err := json.Unmarshal(ev.Details, &data); err != nil {
			logrus.WithError(err).Debug("Ignoring malformed DEVICE_DELETED event")
			continue
		}
		if data.Device == "" {
			continue
		}
		w.mu.Lock()
		w.deleted[data.Device] = true
		w.mu.Unlock()
	}
}

// Seen reports whether a DEVICE_DELETED event arrived for id.
func (w *EventWatcher) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deleted[id]
}

// WaitDeleted blocks until a DEVICE_DELETED event arrived for every id or
// timeout passed. Matched events are consumed.
func (w *EventWatcher) WaitDeleted(ctx context.Context, ids []string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		pending := w.pending(ids)
		if len(pending) == 0 {
			w.consume(ids)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &EventTimeoutError{Pending: pending}
		case <-tick.C:
		}
	}
}

func (w *EventWatcher) pending(ids []string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, id := range ids {
		if !w.deleted[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (w *EventWatcher) consume(ids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		delete(w.deleted, id)
	}
}

// Close stops the subscription.
func (w *EventWatcher) Close() {
	w.cancel()
}

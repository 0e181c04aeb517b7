package plug

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/blockplug/internal/guest"
	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/qdev"
)

// call records one command sent to the fake machine.
type call struct {
	channel string
	action  Action
	id      string
}

// fakeQEMU models the devices a machine has, shared by every mock channel.
type fakeQEMU struct {
	mu sync.Mutex

	present map[string]*qdev.Device

	// Configurable behavior
	lockedFailures int             // commands rejected as locked before any goes through
	failWith       error           // returned once by the next command
	denied         map[string]bool // hotplugs QEMU rejects
	sticky         map[string]bool // unplugs the guest never completes

	// Call tracking
	calls []call
}

func newFakeQEMU() *fakeQEMU {
	return &fakeQEMU{
		present: make(map[string]*qdev.Device),
		denied:  make(map[string]bool),
		sticky:  make(map[string]bool),
	}
}

func (q *fakeQEMU) has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.present[id]
	return ok
}

func (q *fakeQEMU) callsFor(action Action, id string) []call {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []call
	for _, c := range q.calls {
		if c.action == action && c.id == id {
			out = append(out, c)
		}
	}
	return out
}

func (q *fakeQEMU) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func (q *fakeQEMU) send(channel string, action Action, d *qdev.Device) (monitor.Response, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, call{channel: channel, action: action, id: d.ID})

	if q.lockedFailures > 0 {
		q.lockedFailures--
		return monitor.Response{}, monitor.ErrLocked
	}
	if q.failWith != nil {
		err := q.failWith
		q.failWith = nil
		return monitor.Response{}, err
	}

	ok := monitor.Response{Command: action.String(), Return: json.RawMessage("{}")}
	reject := func(desc string) (monitor.Response, error) {
		return monitor.Response{Command: action.String(), Error: &monitor.QMPError{Class: "GenericError", Desc: desc}}, nil
	}

	if action == ActionHotplug {
		if q.denied[d.ID] {
			return reject("hotplug denied")
		}
		if _, dup := q.present[d.ID]; dup {
			return reject("Duplicate ID '" + d.ID + "'")
		}
		q.present[d.ID] = d
		return ok, nil
	}

	if _, found := q.present[d.ID]; !found {
		return reject("Device '" + d.ID + "' not found")
	}
	if !q.sticky[d.ID] {
		delete(q.present, d.ID)
	}
	return ok, nil
}

// mockChannel is a mock implementation of the Channel interface for testing.
type mockChannel struct {
	name string
	q    *fakeQEMU
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) Hotplug(ctx context.Context, d *qdev.Device, version semver.Version) (monitor.Response, error) {
	return c.q.send(c.name, ActionHotplug, d)
}

func (c *mockChannel) Unplug(ctx context.Context, d *qdev.Device) (monitor.Response, error) {
	return c.q.send(c.name, ActionUnplug, d)
}

func (c *mockChannel) VerifyHotplug(ctx context.Context, resp monitor.Response, d *qdev.Device) monitor.Verdict {
	if resp.Failed() {
		return monitor.VerdictDenied
	}
	if c.q.has(d.ID) {
		return monitor.VerdictConfirmed
	}
	return monitor.VerdictDenied
}

func (c *mockChannel) VerifyUnplug(ctx context.Context, resp monitor.Response, d *qdev.Device) monitor.Verdict {
	if c.q.has(d.ID) {
		return monitor.VerdictDenied
	}
	return monitor.VerdictConfirmed
}

// diskDrivers are the frontends that show up as guest disks.
var diskDrivers = map[string]bool{
	"virtio-blk-pci": true,
	"scsi-hd":        true,
	"scsi-cd":        true,
}

// mockGuest derives the guest's disks from the frontends the fake machine has.
type mockGuest struct {
	q    *fakeQEMU
	base []string

	mu            sync.Mutex
	describeCalls int
}

func (g *mockGuest) ListDisks(ctx context.Context) (guest.DiskSet, error) {
	g.q.mu.Lock()
	defer g.q.mu.Unlock()
	disks := guest.NewDiskSet(g.base...)
	for id, d := range g.q.present {
		if d.Kind == qdev.KindDevice && diskDrivers[d.Driver] {
			disks.Add("/dev/" + id)
		}
	}
	return disks, nil
}

func (g *mockGuest) Describe(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.describeCalls++
	return "NAME MAJ:MIN RM SIZE RO TYPE MOUNTPOINT\nsda 8:0 0 10G 0 disk\n", nil
}

// mockEvents records DEVICE_DELETED waits.
type mockEvents struct {
	mu    sync.Mutex
	waits [][]string
	err   error
}

func (e *mockEvents) WaitDeleted(ctx context.Context, ids []string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waits = append(e.waits, append([]string(nil), ids...))
	return e.err
}

// mockStore records saved states.
type mockStore struct {
	mu     sync.Mutex
	states []State
}

func (s *mockStore) Save(ctx context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return nil
}

func (s *mockStore) last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return State{}
	}
	return s.states[len(s.states)-1]
}

// testEnv bundles a Plugger with the fakes behind it.
type testEnv struct {
	p      *Plugger
	q      *fakeQEMU
	guest  *mockGuest
	events *mockEvents
	store  *mockStore
	chans  []*mockChannel
}

func scsiImages(names ...string) map[string]qdev.Params {
	params := make(map[string]qdev.Params, len(names))
	for _, n := range names {
		params[n] = qdev.Params{
			"filename":     "/var/lib/libvirt/images/" + n + ".qcow2",
			"drive_format": "scsi-hd",
		}
	}
	return params
}

func newTestEnv(t *testing.T, channels int, params map[string]qdev.Params, mutate func(*Options)) *testEnv {
	t.Helper()

	q := newFakeQEMU()
	env := &testEnv{
		q:      q,
		guest:  &mockGuest{q: q, base: []string{"/dev/sda"}},
		events: &mockEvents{},
		store:  &mockStore{},
	}
	var chans []Channel
	for i := 0; i < channels; i++ {
		ch := &mockChannel{name: "mon" + string(rune('0'+i)), q: q}
		env.chans = append(env.chans, ch)
		chans = append(chans, ch)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts := Options{
		Topology:      qdev.New(semver.MustParse("8.2.0")),
		Channels:      chans,
		Guest:         env.guest,
		Events:        env.events,
		Store:         env.store,
		Params:        params,
		Parallelism:   1,
		RetryDeadline: 200 * time.Millisecond,
		RetryInterval: time.Millisecond,
		UnplugFirst:   time.Millisecond,
		UnplugStep:    5 * time.Millisecond,
		UnplugTimeout: 100 * time.Millisecond,
		VerifyStep:    5 * time.Millisecond,
		Logger:        logrus.NewEntry(logger),
	}
	if mutate != nil {
		mutate(&opts)
	}

	p, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.p = p
	return env
}

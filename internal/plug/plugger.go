package plug

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/blockplug/internal/guest"
	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/naming"
	"github.com/jbweber/blockplug/internal/qdev"
)

// Defaults for Options fields left zero.
const (
	DefaultTimeout       = 300 * time.Second
	DefaultRetryDeadline = 20 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultUnplugFirst   = 1 * time.Second
	DefaultUnplugStep    = 5 * time.Second
	DefaultUnplugTimeout = 60 * time.Second
	DefaultVerifyStep    = 1500 * time.Millisecond
)

// Action selects between plugging and unplugging.
type Action int

const (
	ActionHotplug Action = iota
	ActionUnplug
)

func (a Action) String() string {
	if a == ActionUnplug {
		return "unplug"
	}
	return "hotplug"
}

// Channel is a command connection to the machine's monitor.
//
// In production, this is satisfied by *monitor.Channel.
// In tests, this is satisfied by mock implementations.
type Channel interface {
	Name() string
	Hotplug(ctx context.Context, d *qdev.Device, version semver.Version) (monitor.Response, error)
	Unplug(ctx context.Context, d *qdev.Device) (monitor.Response, error)
	VerifyHotplug(ctx context.Context, resp monitor.Response, d *qdev.Device) monitor.Verdict
	VerifyUnplug(ctx context.Context, resp monitor.Response, d *qdev.Device) monitor.Verdict
}

// GuestSession observes the disks visible inside the guest.
//
// In production, this is satisfied by *guest.Session.
type GuestSession interface {
	ListDisks(ctx context.Context) (guest.DiskSet, error)
	Describe(ctx context.Context) (string, error)
}

// EventWaiter waits for QEMU to report devices as released by the guest.
//
// In production, this is satisfied by *monitor.EventWatcher.
type EventWaiter interface {
	WaitDeleted(ctx context.Context, ids []string, timeout time.Duration) error
}

// StateStore persists what a Plugger needs to pick up where a previous
// process left off.
type StateStore interface {
	Save(ctx context.Context, s State) error
}

// State is the persisted part of a Plugger.
type State struct {
	// HBAs maps an image to the controller created for it.
	HBAs map[string]string `yaml:"hbas,omitempty"`
	// Images lists the images currently plugged by us, in plug order.
	Images []string `yaml:"images,omitempty"`
	// Disks are the guest disks changed by the last verified batch.
	Disks []string `yaml:"disks,omitempty"`
	// Placements holds the bus and address each of our bus-attached devices
	// was plugged with, keyed by device id.
	Placements map[string]qdev.Params `yaml:"placements,omitempty"`
}

// Outcome is the result of one command: the raw reply and its verification.
type Outcome struct {
	Response monitor.Response `json:"-" yaml:"-"`
	Verdict  monitor.Verdict  `json:"verdict" yaml:"verdict"`
}

// Options configures a Plugger.
type Options struct {
	// Topology is the device model of the machine. Required.
	Topology *qdev.Topology
	// Channels are the monitor connections. At least one is required; the
	// first is the default for serial batches.
	Channels []Channel
	// Guest observes guest disks for postcondition checks. Required.
	Guest GuestSession
	// Events, when set, is used to wait for DEVICE_DELETED after unplugs.
	Events EventWaiter
	// Store, when set, receives the plugger state after every batch.
	Store StateStore

	// Images are the configured images in order, used when a batch names none.
	Images []string
	// Params holds the per-image parameters.
	Params map[string]qdev.Params
	// CDROMs lists the images attached as CD-ROM media.
	CDROMs []string

	// Parallelism bounds threaded batches to 2*Parallelism workers.
	// Defaults to runtime.NumCPU().
	Parallelism int

	RetryDeadline time.Duration
	RetryInterval time.Duration
	UnplugFirst   time.Duration
	UnplugStep    time.Duration
	UnplugTimeout time.Duration
	VerifyStep    time.Duration
	// EventTimeout bounds the DEVICE_DELETED wait. Defaults to the batch timeout.
	EventTimeout time.Duration

	Logger *logrus.Entry
}

// Plugger hot plugs and unplugs image device chains on one machine.
type Plugger struct {
	opts Options
	topo *qdev.Topology
	log  *logrus.Entry

	// batchMu serializes public batches.
	batchMu sync.Mutex
	// chainMu covers chain definition and controller plug or teardown, so
	// that concurrent workers agree on which controllers exist.
	chainMu sync.Mutex

	// mu guards command dispatch with result recording, the HBA registry,
	// the result set and the plugged disks.
	mu      sync.Mutex
	hbas    map[string]*qdev.Device
	images  []string
	results map[string]Outcome
	plugged []string
}

// New creates a Plugger.
func New(opts Options) (*Plugger, error) {
	if opts.Topology == nil {
		return nil, errors.New("topology is required")
	}
	if len(opts.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if opts.Guest == nil {
		return nil, errors.New("guest session is required")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.RetryDeadline == 0 {
		opts.RetryDeadline = DefaultRetryDeadline
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.UnplugFirst == 0 {
		opts.UnplugFirst = DefaultUnplugFirst
	}
	if opts.UnplugStep == 0 {
		opts.UnplugStep = DefaultUnplugStep
	}
	if opts.UnplugTimeout == 0 {
		opts.UnplugTimeout = DefaultUnplugTimeout
	}
	if opts.VerifyStep == 0 {
		opts.VerifyStep = DefaultVerifyStep
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Plugger{
		opts:    opts,
		topo:    opts.Topology,
		log:     opts.Logger,
		hbas:    make(map[string]*qdev.Device),
		results: make(map[string]Outcome),
	}, nil
}

// Len returns the number of disks changed by the last verified batch.
func (p *Plugger) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plugged)
}

// At returns the i-th disk changed by the last verified batch.
func (p *Plugger) At(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plugged[i]
}

// PluggedDisks returns the sorted basenames of the disks changed by the last
// verified batch.
func (p *Plugger) PluggedDisks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.plugged))
	copy(out, p.plugged)
	return out
}

// Results returns the command outcomes of the last batch keyed by device id.
func (p *Plugger) Results() map[string]Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Outcome, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

// Images returns the images currently plugged by this Plugger.
func (p *Plugger) Images() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.images))
	copy(out, p.images)
	return out
}

// State returns the persisted view of the Plugger.
func (p *Plugger) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		HBAs:   make(map[string]string, len(p.hbas)),
		Images: append([]string(nil), p.images...),
		Disks:  append([]string(nil), p.plugged...),
	}
	owned := map[string]bool{}
	for img, hba := range p.hbas {
		s.HBAs[img] = hba.ID
		owned[hba.ID] = true
	}
	for _, d := range p.topo.Devices() {
		if !owned[d.ID] && !lo.ContainsBy(p.images, func(img string) bool { return naming.OwnedBy(d.ID, img) }) {
			continue
		}
		if pl := placement(d); pl != nil {
			if s.Placements == nil {
				s.Placements = map[string]qdev.Params{}
			}
			s.Placements[d.ID] = pl
		}
	}
	return s
}

// placement returns the bus and address a device occupies, or nil when it
// is not attached to a bus.
func placement(d *qdev.Device) qdev.Params {
	b := d.Bus()
	if b == nil {
		return nil
	}
	pl := qdev.Params{"bus": b.ID}
	for _, key := range []string{"addr", "scsi-id"} {
		if v := d.Param(key); v != "" {
			pl[key] = v
		}
	}
	return pl
}

func (p *Plugger) saveState(ctx context.Context) {
	if p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.Save(ctx, p.State()); err != nil {
		p.log.WithError(err).Warn("Failed to save plugger state")
	}
}

func (p *Plugger) params(image string) qdev.Params {
	if params, ok := p.opts.Params[image]; ok {
		return params
	}
	return qdev.Params{}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BatchOption adjusts a single batch.
type BatchOption func(*batchOptions)

type batchOptions struct {
	channel  Channel
	bus      *qdev.Bus
	interval time.Duration
}

// WithChannel runs a serial batch over ch instead of the first channel.
func WithChannel(ch Channel) BatchOption {
	return func(o *batchOptions) { o.channel = ch }
}

// WithBus attaches hotplugged frontends to bus.
func WithBus(bus *qdev.Bus) BatchOption {
	return func(o *batchOptions) { o.bus = bus }
}

// WithInterval sleeps d after every device.
func WithInterval(d time.Duration) BatchOption {
	return func(o *batchOptions) { o.interval = d }
}

// HotplugSerial plugs images one after the other over one channel and waits
// up to timeout for the guest to see them. A nil images list plugs every
// configured image.
func (p *Plugger) HotplugSerial(ctx context.Context, images []string, timeout time.Duration, opts ...BatchOption) error {
	return p.run(ctx, ActionHotplug, images, timeout, false, opts)
}

// UnplugSerial unplugs images one after the other over one channel.
func (p *Plugger) UnplugSerial(ctx context.Context, images []string, timeout time.Duration, opts ...BatchOption) error {
	return p.run(ctx, ActionUnplug, images, timeout, false, opts)
}

// HotplugThreaded plugs images with parallel workers spread over all
// channels. The timeout bounds both the workers and the guest check.
func (p *Plugger) HotplugThreaded(ctx context.Context, images []string, timeout time.Duration, opts ...BatchOption) error {
	return p.run(ctx, ActionHotplug, images, timeout, true, opts)
}

// UnplugThreaded unplugs images with parallel workers spread over all channels.
func (p *Plugger) UnplugThreaded(ctx context.Context, images []string, timeout time.Duration, opts ...BatchOption) error {
	return p.run(ctx, ActionUnplug, images, timeout, true, opts)
}

func (p *Plugger) run(ctx context.Context, action Action, images []string, timeout time.Duration, threaded bool, opts []BatchOption) error {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	o := batchOptions{channel: p.opts.Channels[0]}
	for _, opt := range opts {
		opt(&o)
	}
	if images == nil {
		images = p.opts.Images
	}
	if len(images) == 0 {
		return fmt.Errorf("%w to %s", ErrNoImages, action)
	}

	b := &batch{
		action:   action,
		media:    p.mediaFor(images),
		bus:      o.bus,
		interval: o.interval,
		log: p.log.WithFields(logrus.Fields{
			"batch":  uuid.NewString(),
			"action": action.String(),
		}),
	}
	if b.media == qdev.MediaCDROM {
		b.exempt.Store(true)
	}

	p.mu.Lock()
	p.results = make(map[string]Outcome)
	p.mu.Unlock()

	b.log.Infof("Starting %s of %q (threaded=%v)", action, images, threaded)
	op := p.withPostcondition(action, len(images), timeout, b.exempt.Load, func(ctx context.Context) error {
		return p.runBatch(ctx, b, images, timeout, threaded, o.channel)
	})
	err := op(ctx)
	p.saveState(ctx)
	if err != nil {
		b.log.WithError(err).Errorf("%s of %q failed", action, images)
		return err
	}
	b.log.Infof("Finished %s of %q", action, images)
	return nil
}

// mediaFor returns cdrom media when every image is a configured CD-ROM.
func (p *Plugger) mediaFor(images []string) qdev.Media {
	for _, img := range images {
		if !lo.Contains(p.opts.CDROMs, img) {
			return qdev.MediaDisk
		}
	}
	return qdev.MediaCDROM
}

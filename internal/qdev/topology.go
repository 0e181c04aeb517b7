package qdev

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blang/semver/v4"

	"github.com/jbweber/blockplug/internal/naming"
)

var (
	// ErrDeviceNotFound is returned when a device is not part of the topology.
	ErrDeviceNotFound = errors.New("device not found in topology")
	// ErrDuplicateDevice is returned when inserting a qid that already exists.
	ErrDuplicateDevice = errors.New("device already in topology")
	// ErrNoBus is returned when no bus can take a device.
	ErrNoBus = errors.New("no suitable bus")
	// ErrBusNotEmpty is returned when removing a controller that still has children.
	ErrBusNotEmpty = errors.New("bus still has attached devices")
	// ErrBusFull is returned when a bus has no free address left.
	ErrBusFull = errors.New("bus is full")
	// ErrAddressInUse is returned when a requested address is taken.
	ErrAddressInUse = errors.New("address already in use")
)

// blockdevMinVersion is the first QEMU release where the block layer is
// driven through blockdev-add rather than -drive.
var blockdevMinVersion = semver.MustParse("4.2.0")

// Topology is the in-memory model of a running machine's devices and buses.
// Individual operations are atomic; sequences of them are not.
type Topology struct {
	mu       sync.RWMutex
	devices  []*Device
	byID     map[string]*Device
	buses    []*Bus
	dirty    int
	version  semver.Version
	blockdev bool
}

// New creates a topology holding only the root PCI bus. The version is the
// QEMU version of the machine and decides whether the block layer uses
// blockdev nodes.
func New(version semver.Version) *Topology {
	return NewWithBlockdev(version, version.GTE(blockdevMinVersion))
}

// NewWithBlockdev creates a topology with an explicit blockdev capability.
func NewWithBlockdev(version semver.Version, blockdev bool) *Topology {
	return &Topology{
		byID:     make(map[string]*Device),
		buses:    []*Bus{NewBus(naming.PCIRootBus, BusTypePCI, naming.PCIRootBus)},
		version:  version,
		blockdev: blockdev,
	}
}

// Version returns the protocol version token passed along with hotplug commands.
func (t *Topology) Version() semver.Version {
	return t.version
}

// SupportsBlockdev reports whether block backends are layered blockdev nodes.
func (t *Topology) SupportsBlockdev() bool {
	return t.blockdev
}

// SetDirty marks the topology as being mutated. Calls nest.
func (t *Topology) SetDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty++
}

// SetClean undoes one SetDirty.
func (t *Topology) SetClean() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty > 0 {
		t.dirty--
	}
}

// IsDirty reports whether any mutation is in flight.
func (t *Topology) IsDirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty > 0
}

// Get looks a device up by qid.
func (t *Topology) Get(id string) (*Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.byID[id]
	return d, ok
}

// Contains reports whether this exact device is part of the topology.
func (t *Topology) Contains(d *Device) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[d.ID] == d
}

// Devices returns the devices in insertion order.
func (t *Topology) Devices() []*Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Device, len(t.devices))
	copy(out, t.devices)
	return out
}

// Buses returns every bus matching the selector.
func (t *Topology) Buses(sel BusSelector) []*Bus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Bus
	for _, b := range t.buses {
		if sel.Matches(b) {
			out = append(out, b)
		}
	}
	return out
}

// IsPCIDevice reports whether a driver plugs into a PCI bus.
func (t *Topology) IsPCIDevice(driver string) bool {
	return strings.HasSuffix(driver, "-pci") || driver == "nvme" || driver == "pcie-root-port"
}

// Insert adds a device to the topology, attaching it to its bus and
// registering the bus it provides. It returns the devices actually added.
func (t *Topology) Insert(d *Device) ([]*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[d.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	if d.ChildBus != nil {
		for _, b := range t.buses {
			if b.ID == d.ChildBus.ID {
				return nil, fmt.Errorf("%w: bus %s", ErrDuplicateDevice, b.ID)
			}
		}
	}

	if d.Kind == KindDevice && (d.Param("bus") != "" || len(d.ParentBuses) > 0) {
		bus := t.findBusLocked(d)
		if bus == nil {
			return nil, fmt.Errorf("%w for %s (bus=%q)", ErrNoBus, d.ID, d.Param("bus"))
		}
		if err := bus.attach(d); err != nil {
			return nil, fmt.Errorf("failed to attach %s to %s: %w", d.ID, bus.ID, err)
		}
	}
	if d.ChildBus != nil {
		t.buses = append(t.buses, d.ChildBus)
	}

	t.devices = append(t.devices, d)
	t.byID[d.ID] = d
	d.setState(StateAttached)
	return []*Device{d}, nil
}

// Remove deletes a device from the topology. Controllers whose bus still has
// children are only removed when recursive is set, together with the children.
func (t *Topology) Remove(d *Device, recursive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(d, recursive)
}

func (t *Topology) removeLocked(d *Device, recursive bool) error {
	if t.byID[d.ID] != d {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, d.ID)
	}

	if d.ChildBus != nil {
		members := d.ChildBus.Members()
		if len(members) > 0 && !recursive {
			return fmt.Errorf("%w: %s has %d", ErrBusNotEmpty, d.ChildBus.ID, len(members))
		}
		for _, m := range members {
			if err := t.removeLocked(m, true); err != nil {
				return err
			}
		}
		for i, b := range t.buses {
			if b == d.ChildBus {
				t.buses = append(t.buses[:i], t.buses[i+1:]...)
				break
			}
		}
	}

	if b := d.Bus(); b != nil {
		b.detach(d)
	}
	for i, dev := range t.devices {
		if dev == d {
			t.devices = append(t.devices[:i], t.devices[i+1:]...)
			break
		}
	}
	delete(t.byID, d.ID)
	d.setState(StateDefined)
	return nil
}

// findBusLocked picks the bus named by the device's bus param, or the first
// bus matching one of its parent selectors.
func (t *Topology) findBusLocked(d *Device) *Bus {
	if ref := d.Param("bus"); ref != "" {
		base := naming.BusBase(ref)
		for _, b := range t.buses {
			if b.ID == ref {
				return b
			}
		}
		for _, b := range t.buses {
			if naming.BusBase(b.ID) == base || b.AObject == ref {
				return b
			}
		}
		return nil
	}
	for _, sel := range d.ParentBuses {
		for _, b := range t.buses {
			if sel.Matches(b) {
				return b
			}
		}
	}
	return nil
}

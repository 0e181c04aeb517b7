package qdev

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Bus types understood by the topology.
const (
	BusTypePCI  = "PCI"
	BusTypeSCSI = "SCSI"
)

// BusSelector matches buses by type and/or owning object. Empty fields match
// anything.
type BusSelector struct {
	Type    string
	AObject string
}

// Matches reports whether b satisfies the selector.
func (s BusSelector) Matches(b *Bus) bool {
	if s.Type != "" && s.Type != b.Type {
		return false
	}
	if s.AObject != "" && s.AObject != b.AObject {
		return false
	}
	return true
}

// Bus is a set of addressable slots devices can be attached to.
type Bus struct {
	ID      string // e.g. "pci.0", "virtio_scsi_pci0.0"
	Type    string
	AObject string // owning controller qid

	addrParam string
	first     int
	last      int

	mu      sync.Mutex
	members map[int]*Device
}

// NewBus creates a bus. PCI buses hand out "addr" slots 1-31, SCSI buses
// hand out "scsi-id" 0-255.
func NewBus(id, busType, aobject string) *Bus {
	b := &Bus{
		ID:      id,
		Type:    busType,
		AObject: aobject,
		members: make(map[int]*Device),
	}
	switch busType {
	case BusTypePCI:
		b.addrParam, b.first, b.last = "addr", 1, 31
	default:
		b.addrParam, b.first, b.last = "scsi-id", 0, 255
	}
	return b
}

// Len returns the number of devices attached to the bus.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Members returns the attached devices ordered by address.
func (b *Bus) Members() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := make([]int, 0, len(b.members))
	for a := range b.members {
		addrs = append(addrs, a)
	}
	sort.Ints(addrs)
	out := make([]*Device, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, b.members[a])
	}
	return out
}

// PrepareHotplug points the device at this bus and reserves an address for it
// in its parameters. An address the device already carries is kept if free.
func (b *Bus) PrepareHotplug(d *Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d.SetParam("bus", b.ID)
	_, err := b.assignLocked(d)
	return err
}

func (b *Bus) attach(d *Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, err := b.assignLocked(d)
	if err != nil {
		return err
	}
	b.members[addr] = d
	d.setBus(b)
	return nil
}

func (b *Bus) detach(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for a, m := range b.members {
		if m == d {
			delete(b.members, a)
		}
	}
	d.setBus(nil)
}

func (b *Bus) assignLocked(d *Device) (int, error) {
	if raw := d.Param(b.addrParam); raw != "" {
		addr, err := strconv.ParseInt(raw, 0, 0)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q for %s: %w", b.addrParam, raw, d.ID, err)
		}
		if owner, taken := b.members[int(addr)]; taken && owner != d {
			return 0, fmt.Errorf("%w: %s=%s on %s is used by %s", ErrAddressInUse, b.addrParam, raw, b.ID, owner.ID)
		}
		return int(addr), nil
	}
	for addr := b.first; addr <= b.last; addr++ {
		if _, taken := b.members[addr]; !taken {
			d.SetParam(b.addrParam, b.formatAddr(addr))
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrBusFull, b.ID)
}

func (b *Bus) formatAddr(addr int) string {
	if b.Type == BusTypePCI {
		return fmt.Sprintf("0x%x", addr)
	}
	return strconv.Itoa(addr)
}

func (b *Bus) String() string {
	return fmt.Sprintf("%s bus %s", b.Type, b.ID)
}

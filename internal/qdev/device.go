package qdev

import (
	"fmt"
	"sync"
)

// Kind classifies a device by the QMP command family that creates it.
type Kind int

const (
	KindDevice       Kind = iota // -device frontend or controller (device_add)
	KindFormatNode               // blockdev format node (blockdev-add)
	KindProtocolNode             // blockdev protocol node (blockdev-add)
	KindDrive                    // legacy -drive (drive_add)
	KindObject                   // QOM object such as a secret (object-add)
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindFormatNode:
		return "format-node"
	case KindProtocolNode:
		return "protocol-node"
	case KindDrive:
		return "drive"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Media is the kind of medium an image is attached as.
type Media string

const (
	MediaDisk  Media = "disk"
	MediaCDROM Media = "cdrom"
)

// State tracks where a device is in its attach lifecycle.
type State int

const (
	StateDefined    State = iota // created, not part of the topology
	StateAttached                // inserted into the topology
	StateUnplugging              // pre-removal hook ran, removal pending
)

func (s State) String() string {
	switch s {
	case StateDefined:
		return "defined"
	case StateAttached:
		return "attached"
	case StateUnplugging:
		return "unplugging"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params holds named device parameters, keyed the way QEMU names them.
type Params map[string]string

// Device is a single object in the device topology: a frontend, a block
// graph node, a legacy drive or a QOM object.
type Device struct {
	ID     string
	Kind   Kind
	Driver string
	Params Params

	// ParentBuses lists the kinds of bus the device can sit on.
	ParentBuses []BusSelector
	// ChildBus is set for controllers.
	ChildBus *Bus

	mu       sync.Mutex
	state    State
	bus      *Bus
	children []*Device
}

// NewDevice creates a device with an initialised parameter map.
func NewDevice(id string, kind Kind, driver string, params Params) *Device {
	p := make(Params, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &Device{ID: id, Kind: kind, Driver: driver, Params: p}
}

// QID returns the device's unique identifier.
func (d *Device) QID() string {
	return d.ID
}

// Param returns a parameter value, or "" when unset.
func (d *Device) Param(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Params[key]
}

// SetParam sets a parameter value.
func (d *Device) SetParam(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Params == nil {
		d.Params = Params{}
	}
	d.Params[key] = value
}

// ParamsCopy returns a snapshot of the device parameters.
func (d *Device) ParamsCopy() Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := make(Params, len(d.Params))
	for k, v := range d.Params {
		p[k] = v
	}
	return p
}

// Hotpluggable reports whether the device takes part in guest-visible
// verification. Devices declared with hotplug=off are exempt.
func (d *Device) Hotpluggable() bool {
	return d.Param("hotplug") != "off"
}

// State returns the device's lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// Bus returns the bus the device is attached to, if any.
func (d *Device) Bus() *Bus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus
}

func (d *Device) setBus(b *Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = b
}

// ChildNodes returns the block graph nodes directly below this node.
func (d *Device) ChildNodes() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Device, len(d.children))
	copy(out, d.children)
	return out
}

// AddChildNode links a block graph node below this one.
func (d *Device) AddChildNode(child *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.children {
		if c == child {
			return
		}
	}
	d.children = append(d.children, child)
}

// DelChildNode unlinks a block graph node.
func (d *Device) DelChildNode(child *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.children {
		if c == child {
			d.children = append(d.children[:i], d.children[i+1:]...)
			return
		}
	}
}

// UnplugHook marks the device as being removed. It is undone by UnplugUnhook
// when the removal has to be rolled back.
func (d *Device) UnplugHook() {
	d.setState(StateUnplugging)
}

// UnplugUnhook rolls back UnplugHook.
func (d *Device) UnplugUnhook() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateUnplugging {
		d.state = StateAttached
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %s(%s)", d.Kind, d.ID, d.Driver)
}

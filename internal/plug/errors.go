package plug

import (
	"errors"
	"fmt"

	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/qdev"
)

var (
	// ErrVerificationDenied matches VerificationErrors where QEMU reported
	// the command did not take effect.
	ErrVerificationDenied = errors.New("verification denied")
	// ErrVerificationIndeterminate matches VerificationErrors where the
	// outcome could not be established.
	ErrVerificationIndeterminate = errors.New("verification indeterminate")
	// ErrMultiDeviceHotplug is returned when one chain element maps to other
	// than exactly one topology insertion.
	ErrMultiDeviceHotplug = errors.New("hotplugging multiple devices for one chain element is not supported")
	// ErrNoPrimaryDevice is returned when image params define no frontend or
	// top-level node for the image.
	ErrNoPrimaryDevice = errors.New("device chain has no primary device")
	// ErrBatchTimeout is returned when threaded workers outlive the batch timeout.
	ErrBatchTimeout = errors.New("batch did not finish in time")
	// ErrNoImages is returned when a batch has nothing to do.
	ErrNoImages = errors.New("no images given")
	// ErrNoChannels is returned when a Plugger is built without channels.
	ErrNoChannels = errors.New("at least one channel is required")
)

// VerificationError reports a command whose outcome was not confirmed.
type VerificationError struct {
	Action   Action
	DeviceID string
	Verdict  monitor.Verdict
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("failed to %s device %s: verification %s", e.Action, e.DeviceID, e.Verdict)
}

// Is matches ErrVerificationDenied or ErrVerificationIndeterminate by verdict.
func (e *VerificationError) Is(target error) bool {
	switch target {
	case ErrVerificationDenied:
		return e.Verdict == monitor.VerdictDenied
	case ErrVerificationIndeterminate:
		return e.Verdict == monitor.VerdictIndeterminate
	}
	return false
}

// HotplugError reports a hotplug that QEMU accepted but the topology could
// not record.
type HotplugError struct {
	Device  *qdev.Device
	Cause   error
	Verdict monitor.Verdict
}

func (e *HotplugError) Error() string {
	return fmt.Sprintf("failed to hotplug %s (verification %s): %v", e.Device, e.Verdict, e.Cause)
}

func (e *HotplugError) Unwrap() error {
	return e.Cause
}

// UnplugError reports an unplug that left QEMU and the topology out of sync.
type UnplugError struct {
	Device *qdev.Device
	Cause  error
}

func (e *UnplugError) Error() string {
	return fmt.Sprintf("failed to unplug %s: %v", e.Device, e.Cause)
}

func (e *UnplugError) Unwrap() error {
	return e.Cause
}

// DeviceNotFoundError is returned when an unplug names a device the topology
// does not have.
type DeviceNotFoundError struct {
	ID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("no such device %q in the machine's devices", e.ID)
}

func (e *DeviceNotFoundError) Unwrap() error {
	return qdev.ErrDeviceNotFound
}

// PostconditionError is returned when the guest does not see the expected
// number of disks change.
type PostconditionError struct {
	Action   Action
	Expected int
	Actual   int
	Listing  string
}

func (e *PostconditionError) Error() string {
	return fmt.Sprintf("%s: guest sees %d changed disks, expected %d", e.Action, e.Actual, e.Expected)
}

// Package qdev models the device topology of a running QEMU machine.
//
// The topology is a set of devices (frontends, controllers, blockdev nodes,
// legacy drives and QOM objects) and the buses they sit on. It is the local
// view the hotplug orchestrator keeps in step with QEMU: every device that is
// plugged is inserted, every device that is unplugged is removed.
//
// Buses:
//
// Each topology starts with the root PCI bus "pci.0". Controllers carry a
// ChildBus which is registered on insert and dropped on removal. Devices are
// attached to the bus named by their "bus" param, falling back to the first
// bus matching one of their ParentBuses selectors.
//
// Device definition:
//
// DefineByParams turns an image's parameters into the devices needed to
// attach it. For blockdev-capable machines (QEMU 4.2 and later) that is a
// protocol node "file_<image>" under a format node "drive_<image>"; older
// machines get a single legacy drive "drive_<image>". The frontend is named
// after the image itself.
package qdev

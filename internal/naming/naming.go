// Package naming provides the qid naming conventions shared by the device
// topology and the hotplug orchestrator. Device chains are recognised purely
// by these names, so every component that creates or classifies a device
// must go through this package.
package naming

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// PCIRootBus is the qid of the machine's root PCI bus.
	PCIRootBus = "pci.0"

	// DefaultSCSIController is the controller id used when an image asks for
	// a SCSI frontend without naming a controller.
	DefaultSCSIController = "virtio_scsi_pci0"
)

// ProtocolNode returns the blockdev protocol node name for an image.
// Format: file_{image}
func ProtocolNode(image string) string {
	return fmt.Sprintf("file_%s", image)
}

// FormatNode returns the blockdev format node (or legacy drive) name for an image.
// Format: drive_{image}
func FormatNode(image string) string {
	return fmt.Sprintf("drive_%s", image)
}

// SecretObject returns the secret object id holding an image's passphrase.
// Format: {image}_secret0
func SecretObject(image string) string {
	return fmt.Sprintf("%s_secret0", image)
}

// ControllerBus returns the id of the first bus a controller provides.
// Format: {controller}.0 (e.g., "virtio_scsi_pci0.0")
func ControllerBus(controller string) string {
	return controller + ".0"
}

// BusBase strips the trailing ".N" bus index from a bus reference, returning
// the owning controller name. References without an index are returned as is.
//
// Example: "virtio_scsi_pci0.0" → "virtio_scsi_pci0"
func BusBase(bus string) string {
	i := strings.LastIndex(bus, ".")
	if i < 0 {
		return bus
	}
	if _, err := strconv.Atoi(bus[i+1:]); err != nil {
		return bus
	}
	return bus[:i]
}

// OwnedBy reports whether qid belongs to image: the frontend itself or any
// node whose name is suffixed by the image id.
func OwnedBy(qid, image string) bool {
	return qid == image || strings.HasSuffix(qid, "_"+image) || qid == SecretObject(image)
}

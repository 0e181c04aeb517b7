package qdev

import (
	"errors"
	"fmt"

	"github.com/jbweber/blockplug/internal/naming"
)

// ErrMissingFilename is returned when image params do not say where the image lives.
var ErrMissingFilename = errors.New("image has no filename")

// frontendDrivers maps drive_format values to QEMU frontend drivers.
var frontendDrivers = map[string]string{
	"virtio":  "virtio-blk-pci",
	"scsi-hd": "scsi-hd",
	"scsi-cd": "scsi-cd",
	"nvme":    "nvme",
}

// DefineByParams synthesizes the raw device list for an image from its
// parameters: an optional secret object, the block backend (protocol and
// format nodes, or a legacy drive), the frontend and, for SCSI frontends
// targeting a controller that is not in the topology yet, the controller
// itself. Nothing is inserted into the topology.
//
// Recognised params: filename (or image_name), image_format, drive_format
// ("none" for a headless chain), drive_bus, image_secret, image_readonly,
// drive_serial, drive_discard, hotpluggable.
func (t *Topology) DefineByParams(image string, params Params, media Media) ([]*Device, error) {
	filename := params["filename"]
	if filename == "" {
		filename = params["image_name"]
	}
	if filename == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingFilename, image)
	}
	format := params["image_format"]
	if format == "" {
		format = "qcow2"
	}
	readOnly := params["image_readonly"] == "yes" || media == MediaCDROM

	var devices []*Device

	driveFormat := params["drive_format"]
	if driveFormat == "" {
		driveFormat = "virtio"
		if media == MediaCDROM {
			driveFormat = "scsi-cd"
		}
	}
	if driveFormat == "scsi-hd" && media == MediaCDROM {
		driveFormat = "scsi-cd"
	}

	var hba *Device
	isSCSI := driveFormat == "scsi-hd" || driveFormat == "scsi-cd"
	controller := params["drive_bus"]
	if controller == "" {
		controller = naming.DefaultSCSIController
	}
	if isSCSI {
		if _, exists := t.Get(controller); !exists {
			hba = NewDevice(controller, KindDevice, "virtio-scsi-pci", nil)
			hba.ParentBuses = []BusSelector{{Type: BusTypePCI}}
			hba.ChildBus = NewBus(naming.ControllerBus(controller), BusTypeSCSI, controller)
			devices = append(devices, hba)
		}
	}

	var secret *Device
	if pass := params["image_secret"]; pass != "" {
		secret = NewDevice(naming.SecretObject(image), KindObject, "secret", Params{
			"data":   pass,
			"format": "raw",
		})
		devices = append(devices, secret)
	}

	backend := naming.FormatNode(image)
	if t.SupportsBlockdev() {
		protocol := NewDevice(naming.ProtocolNode(image), KindProtocolNode, "file", Params{
			"filename": filename,
		})
		fmtNode := NewDevice(backend, KindFormatNode, format, Params{
			"file": protocol.ID,
		})
		if readOnly {
			protocol.Params["read-only"] = "on"
			fmtNode.Params["read-only"] = "on"
		}
		if discard := params["drive_discard"]; discard != "" {
			fmtNode.Params["discard"] = discard
		}
		if secret != nil {
			fmtNode.Params["key-secret"] = secret.ID
		}
		fmtNode.AddChildNode(protocol)
		devices = append(devices, protocol, fmtNode)
	} else {
		drive := NewDevice(backend, KindDrive, format, Params{
			"file":  filename,
			"media": string(media),
		})
		if readOnly {
			drive.Params["readonly"] = "on"
		}
		if secret != nil {
			drive.Params["key-secret"] = secret.ID
		}
		devices = append(devices, drive)
	}

	if driveFormat == "none" {
		return devices, nil
	}

	driver, ok := frontendDrivers[driveFormat]
	if !ok {
		return nil, fmt.Errorf("unsupported drive_format %q for %s", driveFormat, image)
	}
	frontend := NewDevice(image, KindDevice, driver, Params{
		"drive": backend,
	})
	if isSCSI {
		frontend.Params["bus"] = naming.ControllerBus(controller)
		frontend.ParentBuses = []BusSelector{{Type: BusTypeSCSI}}
	} else {
		frontend.ParentBuses = []BusSelector{{Type: BusTypePCI}}
	}
	if serial := params["drive_serial"]; serial != "" {
		frontend.Params["serial"] = serial
	}
	if params["hotpluggable"] == "off" || params["hotpluggable"] == "no" {
		frontend.Params["hotplug"] = "off"
	}
	if hba != nil && params["hba_hotpluggable"] == "off" {
		hba.Params["hotplug"] = "off"
	}
	devices = append(devices, frontend)
	return devices, nil
}

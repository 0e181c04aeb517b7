package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/jbweber/blockplug/internal/qdev"
)

var (
	// autoReadOnlyVersion is the first QEMU release with auto-read-only.
	autoReadOnlyVersion = semver.MustParse("3.1.0")
	// flatObjectVersion is the first QEMU release taking object-add
	// properties at the top level instead of under "props".
	flatObjectVersion = semver.MustParse("6.0.0")
)

// internalParams are device params used by the topology only.
var internalParams = map[string]bool{
	"hotplug": true,
	"media":   true,
}

// boolParams are blockdev options QMP expects as JSON booleans.
var boolParams = map[string]bool{
	"read-only":      true,
	"auto-read-only": true,
}

// command is a QMP command.
type command struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// hotplugCommand builds the QMP command that creates d on a machine running
// the given QEMU version.
func hotplugCommand(d *qdev.Device, version semver.Version) (command, error) {
	params := d.ParamsCopy()

	switch d.Kind {
	case qdev.KindDevice:
		args := map[string]any{"driver": d.Driver, "id": d.ID}
		for k, v := range params {
			if !internalParams[k] {
				args[k] = v
			}
		}
		return command{Execute: "device_add", Arguments: args}, nil

	case qdev.KindFormatNode, qdev.KindProtocolNode:
		args := map[string]any{"node-name": d.ID, "driver": d.Driver}
		for k, v := range params {
			if internalParams[k] {
				continue
			}
			if boolParams[k] {
				args[k] = v == "on" || v == "yes" || v == "true"
				continue
			}
			args[k] = v
		}
		if d.Kind == qdev.KindProtocolNode && version.GTE(autoReadOnlyVersion) {
			if _, set := args["read-only"]; !set {
				args["auto-read-only"] = true
			}
		}
		return command{Execute: "blockdev-add", Arguments: args}, nil

	case qdev.KindDrive:
		opts := []string{"id=" + d.ID, "if=none", "format=" + d.Driver}
		for _, k := range sortedKeys(params) {
			if internalParams[k] {
				continue
			}
			opts = append(opts, fmt.Sprintf("%s=%s", k, params[k]))
		}
		return humanCommand("drive_add auto " + strings.Join(opts, ",")), nil

	case qdev.KindObject:
		props := map[string]any{}
		for k, v := range params {
			if !internalParams[k] {
				props[k] = v
			}
		}
		args := map[string]any{"qom-type": d.Driver, "id": d.ID}
		if version.GTE(flatObjectVersion) {
			for k, v := range props {
				args[k] = v
			}
		} else {
			args["props"] = props
		}
		return command{Execute: "object-add", Arguments: args}, nil
	}

	return command{}, fmt.Errorf("cannot hotplug %s: unknown kind", d)
}

// unplugCommand builds the QMP command that removes d.
func unplugCommand(d *qdev.Device) (command, error) {
	switch d.Kind {
	case qdev.KindDevice:
		return command{Execute: "device_del", Arguments: map[string]any{"id": d.ID}}, nil
	case qdev.KindFormatNode, qdev.KindProtocolNode:
		return command{Execute: "blockdev-del", Arguments: map[string]any{"node-name": d.ID}}, nil
	case qdev.KindDrive:
		return humanCommand("drive_del " + d.ID), nil
	case qdev.KindObject:
		return command{Execute: "object-del", Arguments: map[string]any{"id": d.ID}}, nil
	}
	return command{}, fmt.Errorf("cannot unplug %s: unknown kind", d)
}

func humanCommand(line string) command {
	return command{
		Execute:   "human-monitor-command",
		Arguments: map[string]any{"command-line": line},
	}
}

func sortedKeys(p qdev.Params) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

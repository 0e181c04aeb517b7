package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/blockplug/internal/qdev"
)

// errOperationTimeout is VIR_ERR_OPERATION_TIMEOUT, raised by libvirt when
// the domain's job lock cannot be acquired.
const errOperationTimeout = 68

// libvirtClient defines the libvirt operations a channel needs.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type libvirtClient interface {
	// QEMUDomainMonitorCommand passes a QMP command through to the domain's monitor
	QEMUDomainMonitorCommand(Dom libvirt.Domain, Cmd string, Flags uint32) (string, error)
}

// Channel is one command/response connection to a domain's QMP monitor.
// Each channel should own its libvirt connection so that channels can issue
// commands independently.
type Channel struct {
	name   string
	client libvirtClient
	domain libvirt.Domain
	log    *logrus.Entry
}

// NewChannel creates a channel to domain over client.
func NewChannel(name string, client libvirtClient, domain libvirt.Domain) *Channel {
	return &Channel{
		name:   name,
		client: client,
		domain: domain,
		log:    logrus.WithFields(logrus.Fields{"channel": name, "domain": domain.Name}),
	}
}

// Name returns the channel's name.
func (c *Channel) Name() string {
	return c.name
}

// Hotplug sends the command creating d. A QMP-level rejection is reported in
// the response, not as an error; errors mean the command could not be sent.
func (c *Channel) Hotplug(ctx context.Context, d *qdev.Device, version semver.Version) (Response, error) {
	cmd, err := hotplugCommand(d, version)
	if err != nil {
		return Response{}, err
	}
	return c.execute(ctx, cmd)
}

// Unplug sends the command removing d.
func (c *Channel) Unplug(ctx context.Context, d *qdev.Device) (Response, error) {
	cmd, err := unplugCommand(d)
	if err != nil {
		return Response{}, err
	}
	return c.execute(ctx, cmd)
}

// VerifyHotplug checks that QEMU now has d.
func (c *Channel) VerifyHotplug(ctx context.Context, resp Response, d *qdev.Device) Verdict {
	if resp.Failed() {
		return VerdictDenied
	}
	present, err := c.present(ctx, d)
	if err != nil {
		c.log.WithError(err).Debugf("Could not verify hotplug of %s", d.ID)
		return VerdictIndeterminate
	}
	if present {
		return VerdictConfirmed
	}
	return VerdictDenied
}

// VerifyUnplug checks that QEMU no longer has d. Device removal completes
// asynchronously, so a Denied verdict may turn into Confirmed later.
func (c *Channel) VerifyUnplug(ctx context.Context, resp Response, d *qdev.Device) Verdict {
	if resp.Failed() {
		return VerdictDenied
	}
	present, err := c.present(ctx, d)
	if err != nil {
		c.log.WithError(err).Debugf("Could not verify unplug of %s", d.ID)
		return VerdictIndeterminate
	}
	if present {
		return VerdictDenied
	}
	return VerdictConfirmed
}

// present asks QEMU whether d exists.
func (c *Channel) present(ctx context.Context, d *qdev.Device) (bool, error) {
	switch d.Kind {
	case qdev.KindDevice:
		return c.qomHasChild(ctx, "/machine/peripheral", d.ID)
	case qdev.KindObject:
		return c.qomHasChild(ctx, "/objects", d.ID)
	case qdev.KindFormatNode, qdev.KindProtocolNode:
		resp, err := c.execute(ctx, command{Execute: "query-named-block-nodes", Arguments: map[string]any{"flat": true}})
		if err != nil {
			return false, err
		}
		var nodes []struct {
			NodeName string `json:"node-name"`
		}
		if err := decodeReturn(resp, &nodes); err != nil {
			return false, err
		}
		for _, n := range nodes {
			if n.NodeName == d.ID {
				return true, nil
			}
		}
		return false, nil
	case qdev.KindDrive:
		resp, err := c.execute(ctx, command{Execute: "query-block"})
		if err != nil {
			return false, err
		}
		var blocks []struct {
			Device string `json:"device"`
		}
		if err := decodeReturn(resp, &blocks); err != nil {
			return false, err
		}
		for _, b := range blocks {
			if b.Device == d.ID {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("cannot query %s: unknown kind", d)
}

func (c *Channel) qomHasChild(ctx context.Context, path, name string) (bool, error) {
	resp, err := c.execute(ctx, command{Execute: "qom-list", Arguments: map[string]any{"path": path}})
	if err != nil {
		return false, err
	}
	var props []struct {
		Name string `json:"name"`
	}
	if err := decodeReturn(resp, &props); err != nil {
		return false, err
	}
	for _, p := range props {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// execute sends cmd and decodes the reply.
func (c *Channel) execute(ctx context.Context, cmd command) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode %s: %w", cmd.Execute, err)
	}

	c.log.Debugf("-> %s", payload)
	raw, err := c.client.QEMUDomainMonitorCommand(c.domain, string(payload), 0)
	if err != nil {
		if isLocked(err) {
			return Response{}, fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return Response{}, fmt.Errorf("failed to run %s: %w", cmd.Execute, err)
	}
	c.log.Debugf("<- %s", raw)

	resp := Response{Command: cmd.Execute}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode %s reply: %w", cmd.Execute, err)
	}
	resp.Command = cmd.Execute
	return resp, nil
}

func decodeReturn(resp Response, v any) error {
	if resp.Failed() {
		return resp.Error
	}
	if err := json.Unmarshal(resp.Return, v); err != nil {
		return fmt.Errorf("failed to decode %s return: %w", resp.Command, err)
	}
	return nil
}

// isLocked reports whether err is libvirt refusing the command because
// another job holds the domain.
func isLocked(err error) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) && lerr.Code == errOperationTimeout {
		return true
	}
	return strings.Contains(err.Error(), "cannot acquire state change lock")
}

package plug

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/naming"
	"github.com/jbweber/blockplug/internal/qdev"
)

// errNotConfirmed keeps the unplug poll going.
var errNotConfirmed = errors.New("removal not confirmed yet")

// plugOne hotplugs a single device over ch and records it in the topology.
// Frontends are attached to bus, or to a bus resolved from their parameters
// when bus is nil. A denied verdict rolls the topology back and is returned
// without an error. The topology stays dirty unless the hotplug was confirmed.
func (p *Plugger) plugOne(ctx context.Context, d *qdev.Device, ch Channel, bus *qdev.Bus) (Outcome, error) {
	p.topo.SetDirty()

	p.mu.Lock()
	var inserted []*qdev.Device
	if d.Kind == qdev.KindDevice {
		if bus == nil {
			bus = p.resolveBus(d)
		}
		if bus != nil {
			if err := bus.PrepareHotplug(d); err != nil {
				p.mu.Unlock()
				p.topo.SetClean()
				return Outcome{}, &HotplugError{Device: d, Cause: err, Verdict: monitor.VerdictIndeterminate}
			}
			added, err := p.topo.Insert(d)
			if err != nil {
				p.mu.Unlock()
				p.topo.SetClean()
				return Outcome{}, &HotplugError{Device: d, Cause: err, Verdict: monitor.VerdictIndeterminate}
			}
			inserted = added
		}
	}

	p.log.Debugf("Hotplugging %s via %s", d, ch.Name())
	resp, err := p.issue(ctx, ch, d, ActionHotplug)
	if err != nil {
		p.rollbackInsert(d, inserted)
		p.mu.Unlock()
		p.topo.SetClean()
		return Outcome{}, fmt.Errorf("failed to hotplug %s: %w", d.ID, err)
	}
	verdict := ch.VerifyHotplug(ctx, resp, d)
	out := Outcome{Response: resp, Verdict: verdict}

	if verdict == monitor.VerdictDenied {
		p.rollbackInsert(d, inserted)
		p.mu.Unlock()
		p.log.Warnf("Hotplug of %s was denied: %s", d.ID, resp)
		p.topo.SetClean()
		return out, nil
	}

	if !p.topo.Contains(d) {
		added, err := p.topo.Insert(d)
		if err != nil {
			p.mu.Unlock()
			return out, &HotplugError{Device: d, Cause: err, Verdict: verdict}
		}
		inserted = added
	}
	p.mu.Unlock()

	if len(inserted) != 1 {
		return out, &HotplugError{
			Device:  d,
			Cause:   fmt.Errorf("%w: got %d", ErrMultiDeviceHotplug, len(inserted)),
			Verdict: verdict,
		}
	}
	if verdict == monitor.VerdictConfirmed {
		p.topo.SetClean()
	}
	return out, nil
}

// resolveBus picks the bus a frontend goes on: the root PCI bus for PCI
// drivers, else the candidate bus named by its bus parameter, else the first
// candidate bus.
func (p *Plugger) resolveBus(d *qdev.Device) *qdev.Bus {
	if p.topo.IsPCIDevice(d.Driver) {
		if buses := p.topo.Buses(qdev.BusSelector{AObject: naming.PCIRootBus}); len(buses) > 0 {
			return buses[0]
		}
	}
	want := d.Param("bus")
	var fallback *qdev.Bus
	for _, sel := range d.ParentBuses {
		for _, b := range p.topo.Buses(sel) {
			if want == "" {
				return b
			}
			if naming.BusBase(b.ID) == naming.BusBase(want) {
				return b
			}
			if fallback == nil {
				fallback = b
			}
		}
	}
	if want != "" {
		// A named bus that does not exist is left to QEMU to reject.
		return nil
	}
	return fallback
}

func (p *Plugger) rollbackInsert(d *qdev.Device, inserted []*qdev.Device) {
	if len(inserted) == 0 {
		return
	}
	if err := p.topo.Remove(d, false); err != nil {
		p.log.WithError(err).Warnf("Failed to roll back topology insert of %s", d.ID)
	}
}

// unplugOne removes the device with the given id over ch. It waits for QEMU
// to confirm the removal; when that does not happen in time the outcome is
// returned without an error and the topology is left untouched. After a
// confirmed removal the device and its block nodes leave the topology.
func (p *Plugger) unplugOne(ctx context.Context, id string, ch Channel) (Outcome, error) {
	d, ok := p.topo.Get(id)
	if !ok {
		return Outcome{}, &DeviceNotFoundError{ID: id}
	}
	p.topo.SetDirty()

	p.log.Debugf("Unplugging %s via %s", d, ch.Name())
	p.mu.Lock()
	resp, err := p.issue(ctx, ch, d, ActionUnplug)
	p.mu.Unlock()
	if err != nil {
		p.topo.SetClean()
		return Outcome{}, &UnplugError{Device: d, Cause: err}
	}

	verdict, err := p.waitUnplugged(ctx, ch, resp, d)
	out := Outcome{Response: resp, Verdict: verdict}
	if err != nil {
		p.topo.SetClean()
		return out, &UnplugError{Device: d, Cause: err}
	}
	if verdict != monitor.VerdictConfirmed {
		p.log.Warnf("Unplug of %s not confirmed within %s: %s", d.ID, p.opts.UnplugTimeout, verdict)
		p.topo.SetClean()
		return out, nil
	}

	if err := p.removeUnplugged(ctx, d, ch); err != nil {
		d.UnplugUnhook()
		return out, &UnplugError{Device: d, Cause: err}
	}
	if resp.Failed() {
		d.UnplugUnhook()
		return out, &UnplugError{Device: d, Cause: fmt.Errorf("device was not unplugged in qemu but was removed from the topology: %s", resp)}
	}
	p.topo.SetClean()
	return out, nil
}

// waitUnplugged polls QEMU until it no longer has d or the unplug timeout
// passes, returning the last verdict.
func (p *Plugger) waitUnplugged(ctx context.Context, ch Channel, resp monitor.Response, d *qdev.Device) (monitor.Verdict, error) {
	if err := sleepCtx(ctx, p.opts.UnplugFirst); err != nil {
		return monitor.VerdictIndeterminate, err
	}
	remaining := p.opts.UnplugTimeout - p.opts.UnplugFirst
	if remaining <= 0 {
		return ch.VerifyUnplug(ctx, resp, d), nil
	}

	var last monitor.Verdict
	b := constantBackOff(p.opts.UnplugStep, remaining)
	_, err := backoff.RetryWithData(func() (monitor.Verdict, error) {
		last = ch.VerifyUnplug(ctx, resp, d)
		if last != monitor.VerdictConfirmed {
			return last, errNotConfirmed
		}
		return last, nil
	}, backoff.WithContext(b, ctx))
	if err != nil && !errors.Is(err, errNotConfirmed) {
		return last, err
	}
	return last, nil
}

// removeUnplugged drops a removed device from the topology together with the
// block nodes below it. Nodes are unplugged breadth first and each node is
// visited once even when shared.
func (p *Plugger) removeUnplugged(ctx context.Context, d *qdev.Device, ch Channel) error {
	d.UnplugHook()

	var roots []*qdev.Device
	if drive := d.Param("drive"); drive != "" {
		backend, ok := p.topo.Get(drive)
		if !ok {
			return fmt.Errorf("%w: backend %s of %s", qdev.ErrDeviceNotFound, drive, d.ID)
		}
		roots = append(roots, backend)
	}
	if d.Kind == qdev.KindFormatNode || d.Kind == qdev.KindProtocolNode {
		roots = append(roots, d.ChildNodes()...)
	}

	if err := p.topo.Remove(d, true); err != nil {
		return err
	}

	var secrets []string
	if s := d.Param("key-secret"); s != "" {
		secrets = append(secrets, s)
	}

	if !p.topo.SupportsBlockdev() {
		for _, drive := range roots {
			if s := drive.Param("key-secret"); s != "" {
				secrets = append(secrets, s)
			}
			if err := p.topo.Remove(drive, false); err != nil {
				return err
			}
		}
		return p.removeSecrets(ctx, ch, secrets)
	}

	visited := map[*qdev.Device]bool{}
	parent := map[*qdev.Device]*qdev.Device{}
	queue := make([]*qdev.Device, 0, len(roots))
	for _, r := range roots {
		if !visited[r] {
			visited[r] = true
			queue = append(queue, r)
		}
	}
	if d.Kind != qdev.KindDevice {
		for _, r := range roots {
			parent[r] = d
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range node.ChildNodes() {
			if visited[child] {
				continue
			}
			visited[child] = true
			parent[child] = node
			queue = append(queue, child)
		}
		if s := node.Param("key-secret"); s != "" {
			secrets = append(secrets, s)
		}

		p.mu.Lock()
		resp, err := p.issue(ctx, ch, node, ActionUnplug)
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to unplug blockdev node %s: %w", node.ID, err)
		}
		if v := ch.VerifyUnplug(ctx, resp, node); v != monitor.VerdictConfirmed {
			return fmt.Errorf("failed to unplug blockdev node %s: verification %s", node.ID, v)
		}
		if err := p.topo.Remove(node, false); err != nil {
			return err
		}
		if par := parent[node]; par != nil {
			par.DelChildNode(node)
		}
	}
	return p.removeSecrets(ctx, ch, secrets)
}

// removeSecrets deletes the secret objects of removed nodes.
func (p *Plugger) removeSecrets(ctx context.Context, ch Channel, ids []string) error {
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		secret, ok := p.topo.Get(id)
		if !ok {
			continue
		}
		p.mu.Lock()
		resp, err := p.issue(ctx, ch, secret, ActionUnplug)
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to delete secret %s: %w", id, err)
		}
		if v := ch.VerifyUnplug(ctx, resp, secret); v != monitor.VerdictConfirmed {
			return fmt.Errorf("failed to delete secret %s: verification %s", id, v)
		}
		if err := p.topo.Remove(secret, false); err != nil {
			return err
		}
	}
	return nil
}

// forget drops image from the plugged image list.
func (p *Plugger) forget(image string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, img := range p.images {
		if img == image {
			p.images = append(p.images[:i], p.images[i+1:]...)
			return
		}
	}
}

// remember appends image to the plugged image list.
func (p *Plugger) remember(image string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, img := range p.images {
		if img == image {
			return
		}
	}
	p.images = append(p.images, image)
}

package plug

import (
	"context"
	"fmt"
	"sort"

	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/qdev"
)

// HBAs returns the registered controllers keyed by the image they were
// created for.
func (p *Plugger) HBAs() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.hbas))
	for img, hba := range p.hbas {
		out[img] = hba.ID
	}
	return out
}

func (p *Plugger) registerHBA(image string, hba *qdev.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbas[image] = hba
}

// plugHBA plugs the controller a chain needs and registers it for image.
// Callers hold chainMu.
func (p *Plugger) plugHBA(ctx context.Context, b *batch, image string, hba *qdev.Device, ch Channel, results map[string]Outcome) error {
	b.log.Infof("Hotplugging controller %s for %s via %s", hba.ID, image, ch.Name())
	if !hba.Hotpluggable() {
		b.exempt.Store(true)
	}
	out, err := p.plugOne(ctx, hba, ch, nil)
	results[hba.ID] = out
	if err != nil {
		return err
	}
	if out.Verdict != monitor.VerdictConfirmed {
		return &VerificationError{Action: ActionHotplug, DeviceID: hba.ID, Verdict: out.Verdict}
	}
	p.registerHBA(image, hba)
	return nil
}

// sweepHBAs unplugs registered controllers whose bus has no devices left and
// drops their registry entries. Entries whose controller is already gone from
// the topology are dropped without a command.
func (p *Plugger) sweepHBAs(ctx context.Context, b *batch, ch Channel) (map[string]Outcome, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()

	p.mu.Lock()
	idle := map[*qdev.Device][]string{}
	for img, hba := range p.hbas {
		if !p.topo.Contains(hba) {
			delete(p.hbas, img)
			continue
		}
		if hba.ChildBus != nil && hba.ChildBus.Len() > 0 {
			continue
		}
		idle[hba] = append(idle[hba], img)
	}
	p.mu.Unlock()

	hbas := make([]*qdev.Device, 0, len(idle))
	for hba := range idle {
		hbas = append(hbas, hba)
	}
	sort.Slice(hbas, func(i, j int) bool { return hbas[i].ID < hbas[j].ID })

	results := map[string]Outcome{}
	for _, hba := range hbas {
		b.log.Infof("Unplugging idle controller %s via %s", hba.ID, ch.Name())
		out, err := p.unplugOne(ctx, hba.ID, ch)
		results[hba.ID] = out
		if err != nil {
			return results, fmt.Errorf("failed to unplug controller %s: %w", hba.ID, err)
		}
		if out.Verdict != monitor.VerdictConfirmed {
			continue
		}
		p.mu.Lock()
		for _, img := range idle[hba] {
			delete(p.hbas, img)
		}
		p.mu.Unlock()
	}
	return results, nil
}

// Restore puts the devices of images plugged by an earlier process back into
// the topology, along with their registered controllers. No commands are
// sent: QEMU already has the devices.
func (p *Plugger) Restore(s State) error {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()

	owners := map[string]string{}
	for img, id := range s.HBAs {
		owners[id] = img
	}

	for _, img := range s.Images {
		chain, hba, err := p.buildChain(img, p.params(img), p.mediaFor([]string{img}))
		if err != nil {
			return fmt.Errorf("failed to define devices for %s: %w", img, err)
		}
		if hba != nil {
			place(hba, s.Placements)
			if _, err := p.topo.Insert(hba); err != nil {
				return fmt.Errorf("failed to restore controller %s: %w", hba.ID, err)
			}
			if owner, ok := owners[hba.ID]; ok {
				p.registerHBA(owner, hba)
			} else {
				p.log.Warnf("Controller %s of %s is not registered, it will not be unplugged", hba.ID, img)
			}
		}
		for _, d := range chain.Devices {
			place(d, s.Placements)
			if _, err := p.topo.Insert(d); err != nil {
				return fmt.Errorf("failed to restore %s: %w", d.ID, err)
			}
		}
		p.remember(img)
	}

	p.mu.Lock()
	p.plugged = append([]string(nil), s.Disks...)
	p.mu.Unlock()

	for img, id := range s.HBAs {
		if _, ok := p.topo.Get(id); !ok {
			p.log.Warnf("Dropping controller %s of %s: no restored image uses it", id, img)
		}
	}
	return nil
}

// place pins a device to the bus slot it was plugged into, so addresses
// handed out later do not collide with what the machine already holds.
func place(d *qdev.Device, placements map[string]qdev.Params) {
	for k, v := range placements[d.ID] {
		d.SetParam(k, v)
	}
}

package plug

import (
	"strings"

	"github.com/jbweber/blockplug/internal/naming"
	"github.com/jbweber/blockplug/internal/qdev"
)

// Chain is the set of devices attaching one image, dependencies first and
// the primary device last. The controller a chain may need is not part of it.
type Chain struct {
	Image   string
	Devices []*qdev.Device
}

// Primary returns the frontend, or the top-level node of a headless chain.
// It returns nil when the chain has none.
func (c Chain) Primary() *qdev.Device {
	if len(c.Devices) == 0 {
		return nil
	}
	last := c.Devices[len(c.Devices)-1]
	if last.ID == c.Image || strings.HasSuffix(last.ID, "_"+c.Image) {
		return last
	}
	return nil
}

// buildChain defines the devices for image and sorts them by naming
// convention. Devices owned by the image form the chain in definition order.
// A device named after the primary's bus that the topology does not have yet
// is the controller the chain needs; it is returned separately.
func (p *Plugger) buildChain(image string, params qdev.Params, media qdev.Media) (Chain, *qdev.Device, error) {
	raw, err := p.topo.DefineByParams(image, params, media)
	if err != nil {
		return Chain{}, nil, err
	}

	chain := Chain{Image: image}
	var busName string
	var hba *qdev.Device
	for i := len(raw) - 1; i >= 0; i-- {
		d := raw[i]
		if naming.OwnedBy(d.ID, image) {
			chain.Devices = append([]*qdev.Device{d}, chain.Devices...)
			if bus := d.Param("bus"); bus != "" && busName == "" {
				busName = naming.BusBase(bus)
			}
			continue
		}
		if busName != "" && d.ID == busName {
			if _, exists := p.topo.Get(d.ID); !exists {
				hba = d
				break
			}
		}
	}
	return chain, hba, nil
}

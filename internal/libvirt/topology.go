package libvirt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/blockplug/internal/naming"
	"github.com/jbweber/blockplug/internal/qdev"
)

// SeedTopology fills t with the devices a running domain already has, read
// from its live XML. SCSI controllers keep their alias as qid so that chains
// can target them; disks and every other PCI device only occupy their bus
// address so that hotplugged devices do not collide with them. It returns the
// number of devices inserted.
func SeedTopology(t *qdev.Topology, domainXML string) (int, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return 0, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if dom.Devices == nil {
		return 0, nil
	}

	s := &seeder{topo: t, slots: map[uint]bool{}}
	devs := dom.Devices

	// Controllers first: disks attach to their buses.
	for _, c := range devs.Controllers {
		if err := s.controller(c); err != nil {
			return s.count, err
		}
	}
	for _, d := range devs.Disks {
		if err := s.disk(d); err != nil {
			return s.count, err
		}
	}
	for _, i := range devs.Interfaces {
		if err := s.placeholder("interface", i.Alias, i.Address); err != nil {
			return s.count, err
		}
	}
	for _, v := range devs.Videos {
		if err := s.placeholder("video", v.Alias, v.Address); err != nil {
			return s.count, err
		}
	}
	for _, r := range devs.RNGs {
		if err := s.placeholder("rng", r.Alias, r.Address); err != nil {
			return s.count, err
		}
	}
	if mb := devs.MemBalloon; mb != nil {
		if err := s.placeholder("memballoon", mb.Alias, mb.Address); err != nil {
			return s.count, err
		}
	}
	return s.count, nil
}

type seeder struct {
	topo  *qdev.Topology
	slots map[uint]bool
	count int
	anon  int
}

// claim reserves a root slot, reporting false when a device already has it.
// Functions of a multifunction slot share the slot of function 0.
func (s *seeder) claim(slot uint) bool {
	if s.slots[slot] {
		return false
	}
	s.slots[slot] = true
	return true
}

func (s *seeder) insert(d *qdev.Device) error {
	if _, err := s.topo.Insert(d); err != nil {
		return fmt.Errorf("failed to seed %s: %w", d.ID, err)
	}
	s.count++
	return nil
}

// name returns the alias of a device, or a generated qid when libvirt did not
// report one.
func (s *seeder) name(kind string, alias *libvirtxml.DomainAlias) string {
	if alias != nil && alias.Name != "" {
		return alias.Name
	}
	s.anon++
	return fmt.Sprintf("%s-seed%d", kind, s.anon)
}

func (s *seeder) controller(c libvirtxml.DomainController) error {
	if c.Type == "pci" && (c.Model == "pci-root" || c.Model == "pcie-root") {
		return nil
	}
	slot, onRoot := rootSlot(c.Address)

	if c.Type != "scsi" {
		if !onRoot {
			return nil
		}
		return s.placeholder(c.Type+"-controller", c.Alias, c.Address)
	}

	id := s.name("scsi", c.Alias)
	driver := "virtio-scsi-pci"
	if c.Model != "" && c.Model != "virtio-scsi" {
		driver = c.Model
	}
	d := qdev.NewDevice(id, qdev.KindDevice, driver, nil)
	d.ChildBus = qdev.NewBus(naming.ControllerBus(id), qdev.BusTypeSCSI, id)
	if onRoot && s.claim(slot) {
		d.ParentBuses = []qdev.BusSelector{{Type: qdev.BusTypePCI}}
		d.SetParam("addr", fmt.Sprintf("0x%x", slot))
	}
	return s.insert(d)
}

func (s *seeder) disk(disk libvirtxml.DomainDisk) error {
	if disk.Target == nil {
		return nil
	}
	id := s.name("disk", disk.Alias)

	switch disk.Target.Bus {
	case "virtio":
		slot, onRoot := rootSlot(disk.Address)
		if !onRoot || !s.claim(slot) {
			return nil
		}
		d := qdev.NewDevice(id, qdev.KindDevice, "virtio-blk-pci", qdev.Params{
			"addr": fmt.Sprintf("0x%x", slot),
		})
		d.ParentBuses = []qdev.BusSelector{{Type: qdev.BusTypePCI}}
		return s.insert(d)

	case "scsi":
		controller := "scsi0"
		if disk.Address != nil && disk.Address.Drive != nil && disk.Address.Drive.Controller != nil {
			controller = fmt.Sprintf("scsi%d", *disk.Address.Drive.Controller)
		}
		if _, ok := s.topo.Get(controller); !ok {
			return nil
		}
		driver := "scsi-hd"
		if disk.Device == "cdrom" {
			driver = "scsi-cd"
		}
		d := qdev.NewDevice(id, qdev.KindDevice, driver, qdev.Params{
			"bus": naming.ControllerBus(controller),
		})
		d.ParentBuses = []qdev.BusSelector{{Type: qdev.BusTypeSCSI}}
		return s.insert(d)
	}
	// IDE, SATA and USB disks sit on buses hotplug never targets.
	return nil
}

// placeholder occupies the root PCI slot a device sits on.
func (s *seeder) placeholder(kind string, alias *libvirtxml.DomainAlias, addr *libvirtxml.DomainAddress) error {
	slot, onRoot := rootSlot(addr)
	if !onRoot || !s.claim(slot) {
		return nil
	}
	d := qdev.NewDevice(s.name(kind, alias), qdev.KindDevice, strings.ToLower(kind), qdev.Params{
		"addr": fmt.Sprintf("0x%x", slot),
	})
	d.ParentBuses = []qdev.BusSelector{{Type: qdev.BusTypePCI}}
	return s.insert(d)
}

// rootSlot returns the slot of a PCI address on the root bus.
func rootSlot(addr *libvirtxml.DomainAddress) (uint, bool) {
	if addr == nil || addr.PCI == nil || addr.PCI.Slot == nil {
		return 0, false
	}
	pci := addr.PCI
	if pci.Domain != nil && *pci.Domain != 0 {
		return 0, false
	}
	if pci.Bus != nil && *pci.Bus != 0 {
		return 0, false
	}
	return *pci.Slot, true
}

// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Domain lookup and the QEMU version of the hypervisor
//   - Seeding a device topology from a running domain's XML
//
// Connection Management:
//
// The package establishes connections to the local libvirt daemon via Unix socket:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// A hotplug session opens one connection per monitor channel; QMP commands on
// separate connections do not queue behind each other inside libvirt.
//
// Topology Seeding:
//
// Devices the domain was started with are not known to the orchestrator.
// SeedTopology reads them from the live XML (parsed with libvirtxml):
//
//	xml, err := client.DomainXML(dom)
//	if err != nil {
//	    return err
//	}
//	topo := qdev.New(version)
//	if _, err := libvirt.SeedTopology(topo, xml); err != nil {
//	    return err
//	}
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Instead, consumers (internal/monitor,
// internal/guest, internal/storage, internal/metadata) define their own
// client interfaces specifying only the operations they need. The
// *libvirt.Libvirt type satisfies these interfaces implicitly, enabling clean
// dependency injection.
package libvirt

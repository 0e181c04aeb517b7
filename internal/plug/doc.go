// Package plug hotplugs and unplugs block devices on a running machine.
//
// A Plugger owns the device topology of one machine and drives it over one
// or more monitor channels. Each image becomes a chain of devices (an
// optional secret, the block backend and the frontend) which is plugged in
// order; SCSI chains first get a controller when the machine has none.
//
// Batches:
//
// HotplugSerial and UnplugSerial run a batch over a single channel.
// HotplugThreaded and UnplugThreaded deal the images over
// min(len(images), 2*Parallelism) workers, worker i using channel i modulo
// the number of channels. Batches never overlap.
//
// Verification:
//
// Every command is checked against QEMU and classified as confirmed, denied
// or indeterminate. Once the commands went through, the guest disk list is
// polled until exactly one disk per image appeared or disappeared. CD-ROM
// batches and devices with hotplug=off skip this guest check.
//
// Controllers:
//
// Controllers plugged for a chain are registered against the image that
// needed them. At the end of every unplug batch, registered controllers whose
// bus is empty are unplugged too.
//
// State:
//
// QEMU keeps hotplugged devices out of the domain XML, so after every batch
// the plugged images and controllers are handed to a StateStore. Restore
// rebuilds the topology from such a State in a later process.
package plug

// Package storage resolves the libvirt volumes hotplugged images live on.
//
// Images are usually configured by file path (the filename parameter). An
// image may instead name a volume in a storage pool (image_name); ResolveImages
// then looks the volume up, creates it when create_image is "yes", and fills
// in filename with the volume path. Volumes of images marked remove_image
// "yes" are deleted by RemoveImages once the images were unplugged.
//
// Format Detection:
//
// Images without an explicit image_format get one from their header:
//   - QCOW2: magic bytes "QFI\xfb" at offset 0
//   - LUKS: magic bytes "LUKS\xba\xbe" at offset 0 (an image_secret is required)
//   - RAW: anything else
//
// Ownership:
//
// Devices hotplugged over the monitor bypass libvirt's ownership handling, so
// created volumes are owned by the user QEMU runs as (see GetQEMUUserGroup).
//
// Consumer-Side Interface:
//
// LibvirtClient lists the storage calls the Manager needs. *libvirt.Libvirt
// from github.com/digitalocean/go-libvirt satisfies it.
package storage

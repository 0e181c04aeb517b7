package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// errNoStorageVol is libvirt's VIR_ERR_NO_STORAGE_VOL.
const errNoStorageVol = 50

// volumeMode lets QEMU, running as the volume owner, open the image
// read-write while others may only read it.
const volumeMode = "0644"

func isNoVolume(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == errNoStorageVol
}

// lookupVolume finds volumeName in poolName.
func (m *Manager) lookupVolume(poolName, volumeName string) (libvirt.StoragePool, libvirt.StorageVol, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return libvirt.StoragePool{}, libvirt.StorageVol{}, fmt.Errorf("pool %s not found: %w", poolName, err)
	}
	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return pool, libvirt.StorageVol{}, fmt.Errorf("failed to look up volume %s in pool %s: %w", volumeName, poolName, err)
	}
	return pool, vol, nil
}

// CreateVolume creates a new volume in the specified pool, owned by the user
// QEMU runs as. Hotplugged disks bypass libvirt's ownership handling, so the
// volume must be accessible to QEMU from the start.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid volume spec: %w", err)
	}

	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	uid, gid, _ := m.owner()
	volumeXML, err := generateVolumeXML(spec, uid, gid)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := m.client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}
	return nil
}

// DeleteVolume deletes a volume from the specified pool.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	_, vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeName, err)
	}
	return nil
}

// GetVolumePath returns the file a volume is stored in, which is what QEMU
// opens when the image is plugged.
func (m *Manager) GetVolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	_, vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return "", err
	}
	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get path of volume %s: %w", volumeName, err)
	}
	return path, nil
}

// VolumeExists checks if a volume exists in the specified pool. The pool is
// refreshed first so that files copied in behind libvirt's back are seen.
// Lookup failures other than a missing volume are returned as errors.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return false, fmt.Errorf("pool %s not found: %w", poolName, err)
	}
	if err := m.client.StoragePoolRefresh(pool, 0); err != nil {
		return false, fmt.Errorf("failed to refresh pool %s: %w", poolName, err)
	}

	_, err = m.client.StorageVolLookupByName(pool, volumeName)
	switch {
	case err == nil:
		return true, nil
	case isNoVolume(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}
}

// generateVolumeXML renders the libvirt volume definition of spec. The
// volume is owned by uid:gid when both are known.
func generateVolumeXML(spec VolumeSpec, uid, gid string) (string, error) {
	target := &libvirtxml.StorageVolumeTarget{
		Format: &libvirtxml.StorageVolumeTargetFormat{Type: string(spec.Format)},
	}
	if uid != "" && gid != "" {
		target.Permissions = &libvirtxml.StorageVolumeTargetPermissions{
			Owner: uid,
			Group: gid,
			Mode:  volumeMode,
		}
	}
	vol := &libvirtxml.StorageVolume{
		Type:     "file",
		Name:     spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{Value: spec.Capacity, Unit: "B"},
		Target:   target,
	}

	out, err := vol.Marshal()
	if err != nil {
		return "", err
	}
	out = strings.TrimPrefix(out, `<?xml version="1.0" encoding="UTF-8"?>`)
	return strings.TrimSpace(out), nil
}

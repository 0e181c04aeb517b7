package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/docker/go-units"
	"github.com/samber/lo"

	"github.com/jbweber/blockplug/internal/qdev"
)

// ResolveImages completes the parameters of images that name a volume in
// poolName (image_name) instead of a file: filename is set to the volume
// path, and the volume is created first when create_image is "yes". Images
// without image_format get the format detected from their file. params is
// updated in place.
func (m *Manager) ResolveImages(ctx context.Context, poolName string, params map[string]qdev.Params) error {
	names := lo.Keys(params)
	sort.Strings(names)

	for _, img := range names {
		p := params[img]
		if p["filename"] == "" && p["image_name"] != "" {
			path, err := m.resolveVolume(ctx, poolName, p)
			if err != nil {
				return fmt.Errorf("failed to resolve volume of %s: %w", img, err)
			}
			p["filename"] = path
		}
		if p["image_format"] != "" || p["filename"] == "" {
			continue
		}
		format, err := m.detect(p["filename"])
		if err != nil {
			return fmt.Errorf("failed to detect format of %s: %w", img, err)
		}
		if format == VolumeFormatLUKS && p["image_secret"] == "" {
			return fmt.Errorf("%s is a LUKS image but has no image_secret", img)
		}
		p["image_format"] = string(format)
	}
	return nil
}

func (m *Manager) resolveVolume(ctx context.Context, poolName string, p qdev.Params) (string, error) {
	name := p["image_name"]
	exists, err := m.VolumeExists(ctx, poolName, name)
	if err != nil {
		return "", err
	}
	if !exists {
		if p["create_image"] != "yes" {
			return "", fmt.Errorf("volume %s not found in pool %s", name, poolName)
		}
		spec, err := volumeSpec(p)
		if err != nil {
			return "", err
		}
		if err := m.CreateVolume(ctx, poolName, spec); err != nil {
			return "", err
		}
		if p["image_format"] == "" {
			p["image_format"] = string(spec.Format)
		}
	}
	return m.GetVolumePath(ctx, poolName, name)
}

// volumeSpec builds the spec of a volume to create from image parameters.
func volumeSpec(p qdev.Params) (VolumeSpec, error) {
	size := p["image_size"]
	if size == "" {
		size = DefaultVolumeSize
	}
	capacity, err := units.RAMInBytes(size)
	if err != nil {
		return VolumeSpec{}, fmt.Errorf("invalid image_size %q: %w", size, err)
	}
	if capacity <= 0 {
		return VolumeSpec{}, fmt.Errorf("invalid image_size %q: must be positive", size)
	}
	format := VolumeFormat(p["image_format"])
	if format == "" {
		format = VolumeFormatQCOW2
	}
	return VolumeSpec{Name: p["image_name"], Format: format, Capacity: uint64(capacity)}, nil
}

// RemoveImages deletes the volumes of images marked remove_image "yes". Every
// volume is attempted; the errors are joined.
func (m *Manager) RemoveImages(ctx context.Context, poolName string, params map[string]qdev.Params, images []string) error {
	var errs []error
	for _, img := range images {
		p := params[img]
		if p["remove_image"] != "yes" || p["image_name"] == "" {
			continue
		}
		if err := m.DeleteVolume(ctx, poolName, p["image_name"]); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove volume of %s: %w", img, err))
		}
	}
	return errors.Join(errs...)
}

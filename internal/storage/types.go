package storage

import "fmt"

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2" // QCOW2 format
	VolumeFormatRaw   VolumeFormat = "raw"   // Raw format
	VolumeFormatLUKS  VolumeFormat = "luks"  // LUKS encrypted raw format
)

// DefaultVolumeSize is the capacity of volumes created without image_size.
const DefaultVolumeSize = "1G"

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name     string       // Volume name (e.g., "stg0.qcow2")
	Format   VolumeFormat // Disk format
	Capacity uint64       // Capacity in bytes
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	switch v.Format {
	case VolumeFormatQCOW2, VolumeFormatRaw:
	case "":
		return fmt.Errorf("volume format is required")
	default:
		return fmt.Errorf("invalid volume format: %s (must be qcow2 or raw)", v.Format)
	}
	if v.Capacity == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	return nil
}

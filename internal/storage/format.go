package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Magic bytes for disk image format detection
var (
	// qcow2Magic is "QFI" followed by 0xfb at offset 0.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// luksMagic is "LUKS" followed by 0xba 0xbe at offset 0, for LUKS1 and LUKS2.
	luksMagic = []byte{0x4c, 0x55, 0x4b, 0x53, 0xba, 0xbe}
)

// DetectImageFormat detects the disk image format by reading magic bytes.
// Files without a known header are raw: hotplugged data disks are usually
// blank, so no boot sector is required.
func DetectImageFormat(filePath string) (VolumeFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(luksMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read image header: %w", err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, qcow2Magic):
		return VolumeFormatQCOW2, nil
	case bytes.Equal(header, luksMagic):
		return VolumeFormatLUKS, nil
	default:
		return VolumeFormatRaw, nil
	}
}

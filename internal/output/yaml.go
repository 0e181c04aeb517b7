package output

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats results as YAML sequences.
type YAMLFormatter struct{}

func marshalYAML(v any, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}

// FormatOutcomes formats batch results as YAML.
func (f *YAMLFormatter) FormatOutcomes(records []Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	return marshalYAML(records, "outcomes")
}

// FormatDisks formats guest disk names as a YAML sequence.
func (f *YAMLFormatter) FormatDisks(disks []string) (string, error) {
	if len(disks) == 0 {
		return "", nil
	}
	return marshalYAML(disks, "disks")
}

// FormatDevices formats topology devices as YAML.
func (f *YAMLFormatter) FormatDevices(devices []DeviceRecord) (string, error) {
	if len(devices) == 0 {
		return "", nil
	}
	return marshalYAML(devices, "devices")
}

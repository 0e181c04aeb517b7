package output

import (
	"encoding/json"
	"fmt"
)

// JSONFormatter formats results as JSON arrays.
type JSONFormatter struct{}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}

// FormatOutcomes formats batch results as JSON.
func (f *JSONFormatter) FormatOutcomes(records []Record) (string, error) {
	if len(records) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(records, "outcomes")
}

// FormatDisks formats guest disk names as a JSON array of strings.
func (f *JSONFormatter) FormatDisks(disks []string) (string, error) {
	if len(disks) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(disks, "disks")
}

// FormatDevices formats topology devices as JSON.
func (f *JSONFormatter) FormatDevices(devices []DeviceRecord) (string, error) {
	if len(devices) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(devices, "devices")
}

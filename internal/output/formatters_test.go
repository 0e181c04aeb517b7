package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/blang/semver/v4"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/blockplug/internal/monitor"
	"github.com/jbweber/blockplug/internal/plug"
	"github.com/jbweber/blockplug/internal/qdev"
)

func testRecords() []Record {
	return []Record{
		{ID: "drive_stg0", Verdict: "confirmed", Reply: `blockdev-add: {}`},
		{ID: "stg0", Verdict: "denied"},
	}
}

func TestRecordsFromOutcomes(t *testing.T) {
	results := map[string]plug.Outcome{
		"stg1": {Verdict: monitor.VerdictIndeterminate},
		"stg0": {
			Verdict:  monitor.VerdictConfirmed,
			Response: monitor.Response{Command: "device_add", Return: json.RawMessage(`{}`)},
		},
	}

	want := []Record{
		{ID: "stg0", Verdict: "confirmed", Reply: "device_add: {}"},
		{ID: "stg1", Verdict: "indeterminate"},
	}
	if diff := cmp.Diff(want, RecordsFromOutcomes(results)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestDevicesFromTopology(t *testing.T) {
	topo := qdev.New(semver.MustParse("8.2.0"))
	hba := qdev.NewDevice("virtio_scsi_pci0", qdev.KindDevice, "virtio-scsi-pci", qdev.Params{"addr": "0x5"})
	hba.ParentBuses = []qdev.BusSelector{{Type: qdev.BusTypePCI}}
	node := qdev.NewDevice("drive_stg0", qdev.KindFormatNode, "qcow2", nil)
	for _, d := range []*qdev.Device{hba, node} {
		if _, err := topo.Insert(d); err != nil {
			t.Fatalf("Insert(%s) failed: %v", d.ID, err)
		}
	}

	want := []DeviceRecord{
		{ID: "virtio_scsi_pci0", Kind: "device", Driver: "virtio-scsi-pci", Bus: "pci.0", Address: "0x5"},
		{ID: "drive_stg0", Kind: "format-node", Driver: "qcow2"},
	}
	if diff := cmp.Diff(want, DevicesFromTopology(topo)); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
}

func TestTableFormatter_FormatOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		noHeaders bool
		records   []Record
		want      []string
		notWant   []string
	}{
		{
			name:    "with headers",
			records: testRecords(),
			want:    []string{"ID", "VERDICT", "REPLY", "drive_stg0", "confirmed", "blockdev-add: {}", "denied"},
		},
		{
			name:      "without headers",
			noHeaders: true,
			records:   testRecords(),
			want:      []string{"stg0"},
			notWant:   []string{"VERDICT"},
		},
		{
			name:    "empty",
			records: nil,
			want:    []string{"No commands issued"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &TableFormatter{NoHeaders: tt.noHeaders}
			output, err := f.FormatOutcomes(tt.records)
			if err != nil {
				t.Fatalf("FormatOutcomes() error = %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(output, s) {
					t.Errorf("output missing %q: %s", s, output)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(output, s) {
					t.Errorf("output unexpectedly contains %q: %s", s, output)
				}
			}
		})
	}
}

func TestTableFormatter_MissingReplyShowsDash(t *testing.T) {
	f := &TableFormatter{NoHeaders: true}
	output, err := f.FormatOutcomes([]Record{{ID: "stg0", Verdict: "denied"}})
	if err != nil {
		t.Fatalf("FormatOutcomes() error = %v", err)
	}
	if fields := strings.Fields(output); len(fields) != 3 || fields[2] != "-" {
		t.Errorf("expected a dash for the missing reply, got %q", output)
	}
}

func TestTableFormatter_FormatDisks(t *testing.T) {
	f := &TableFormatter{}
	output, err := f.FormatDisks([]string{"sdb", "sdc"})
	if err != nil {
		t.Fatalf("FormatDisks() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if diff := cmp.Diff([]string{"DISK", "sdb", "sdc"}, lines); diff != "" {
		t.Errorf("disk table mismatch (-want +got):\n%s", diff)
	}

	output, _ = f.FormatDisks(nil)
	if output != "No disks changed\n" {
		t.Errorf("unexpected empty output %q", output)
	}
}

func TestTableFormatter_FormatDevices(t *testing.T) {
	f := &TableFormatter{}
	output, err := f.FormatDevices([]DeviceRecord{
		{ID: "virtio_scsi_pci0", Kind: "device", Driver: "virtio-scsi-pci", Bus: "pci.0", Address: "0x5"},
		{ID: "drive_stg0", Kind: "format-node", Driver: "qcow2"},
	})
	if err != nil {
		t.Fatalf("FormatDevices() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines: %s", len(lines), output)
	}
	if got := strings.Fields(lines[2]); len(got) != 5 || got[3] != "-" || got[4] != "-" {
		t.Errorf("expected dashes for a device without bus, got %q", lines[2])
	}
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}

	output, err := f.FormatOutcomes(testRecords())
	if err != nil {
		t.Fatalf("FormatOutcomes() error = %v", err)
	}
	var records []Record
	if err := json.Unmarshal([]byte(output), &records); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if diff := cmp.Diff(testRecords(), records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if strings.Count(output, `"reply"`) != 1 {
		t.Errorf("expected reply to be omitted when empty: %s", output)
	}

	for name, format := range map[string]func() (string, error){
		"outcomes": func() (string, error) { return f.FormatOutcomes(nil) },
		"disks":    func() (string, error) { return f.FormatDisks(nil) },
		"devices":  func() (string, error) { return f.FormatDevices(nil) },
	} {
		if out, err := format(); err != nil || out != "[]\n" {
			t.Errorf("empty %s = %q, %v; want []", name, out, err)
		}
	}
}

func TestYAMLFormatter(t *testing.T) {
	f := &YAMLFormatter{}

	output, err := f.FormatDisks([]string{"sdb", "sdc"})
	if err != nil {
		t.Fatalf("FormatDisks() error = %v", err)
	}
	var disks []string
	if err := yaml.Unmarshal([]byte(output), &disks); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if diff := cmp.Diff([]string{"sdb", "sdc"}, disks); diff != "" {
		t.Errorf("disks mismatch (-want +got):\n%s", diff)
	}

	output, err = f.FormatOutcomes(testRecords())
	if err != nil {
		t.Fatalf("FormatOutcomes() error = %v", err)
	}
	if !strings.Contains(output, "verdict: confirmed") {
		t.Errorf("output missing verdict: %s", output)
	}

	if out, _ := f.FormatDevices(nil); out != "" {
		t.Errorf("expected empty output for no devices, got %q", out)
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name: "table format",
			opts: Options{Format: FormatTable},
		},
		{
			name: "yaml format",
			opts: Options{Format: FormatYAML},
		},
		{
			name: "json format",
			opts: Options{Format: FormatJSON},
		},
		{
			name:    "invalid format",
			opts:    Options{Format: "invalid"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter, err := NewFormatter(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && formatter == nil {
				t.Error("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		wantErr bool
	}{
		{
			name:   "valid table",
			format: "table",
		},
		{
			name:   "valid yaml",
			format: "yaml",
		},
		{
			name:   "valid json",
			format: "json",
		},
		{
			name:    "invalid format",
			format:  "xml",
			wantErr: true,
		},
		{
			name:    "empty format",
			format:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFormat(tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}


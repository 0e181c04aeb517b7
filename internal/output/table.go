package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// TableFormatter formats results as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// FormatOutcomes formats batch results as a table.
func (f *TableFormatter) FormatOutcomes(records []Record) (string, error) {
	if len(records) == 0 {
		return "No commands issued\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tVERDICT\tREPLY")
	}
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Verdict, dash(r.Reply))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDisks formats guest disk names one per row.
func (f *TableFormatter) FormatDisks(disks []string) (string, error) {
	if len(disks) == 0 {
		return "No disks changed\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "DISK")
	}
	for _, d := range disks {
		_, _ = fmt.Fprintln(w, d)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDevices formats topology devices as a table.
func (f *TableFormatter) FormatDevices(devices []DeviceRecord) (string, error) {
	if len(devices) == 0 {
		return "No devices found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tKIND\tDRIVER\tBUS\tADDR")
	}
	for _, d := range devices {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Kind, d.Driver, dash(d.Bus), dash(d.Address))
	}

	_ = w.Flush()
	return buf.String(), nil
}

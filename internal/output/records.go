package output

import (
	"sort"

	"github.com/samber/lo"

	"github.com/jbweber/blockplug/internal/plug"
	"github.com/jbweber/blockplug/internal/qdev"
)

// Record is the printable result of one monitor command.
type Record struct {
	ID      string `json:"id" yaml:"id"`
	Verdict string `json:"verdict" yaml:"verdict"`
	Reply   string `json:"reply,omitempty" yaml:"reply,omitempty"`
}

// DeviceRecord is the printable form of a topology device.
type DeviceRecord struct {
	ID      string `json:"id" yaml:"id"`
	Kind    string `json:"kind" yaml:"kind"`
	Driver  string `json:"driver" yaml:"driver"`
	Bus     string `json:"bus,omitempty" yaml:"bus,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// RecordsFromOutcomes converts batch results to records sorted by qid.
func RecordsFromOutcomes(results map[string]plug.Outcome) []Record {
	ids := lo.Keys(results)
	sort.Strings(ids)

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		out := results[id]
		r := Record{ID: id, Verdict: out.Verdict.String()}
		if out.Response.Command != "" {
			r.Reply = out.Response.String()
		}
		records = append(records, r)
	}
	return records
}

// DevicesFromTopology lists the devices of t in insertion order.
func DevicesFromTopology(t *qdev.Topology) []DeviceRecord {
	return lo.Map(t.Devices(), func(d *qdev.Device, _ int) DeviceRecord {
		r := DeviceRecord{ID: d.ID, Kind: d.Kind.String(), Driver: d.Driver}
		if b := d.Bus(); b != nil {
			r.Bus = b.ID
		}
		r.Address = d.Param("addr")
		if r.Address == "" {
			r.Address = d.Param("scsi-id")
		}
		return r
	})
}

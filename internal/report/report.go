// Package report renders point-in-time sensor snapshots and sampled series
// for terminal output.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/skobkin/amdgpu-sampler/internal/plugin"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
	"github.com/skobkin/amdgpu-sampler/internal/sensor"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/topology"
)

// Row is one sensor value read directly from the hardware.
type Row struct {
	Device uint32  `json:"device"`
	Node   string  `json:"node,omitempty"`
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
}

// Snapshot reads every sensor matching q exactly once. Sensors that are
// unsupported or fail to read are left out.
func Snapshot(s smi.Session, topo *topology.Index, q plugin.Query) ([]Row, error) {
	count, status := s.NumDevices()
	if !status.OK() {
		return nil, fmt.Errorf("count devices: %s", status)
	}

	nodes := make(map[uint32]string, topo.Len())
	for _, entry := range topo.Entries() {
		nodes[entry.Device] = entry.BusID.String()
	}

	kinds := q.Kinds()
	rows := make([]Row, 0, int(count)*len(kinds))
	for device := uint32(0); device < count; device++ {
		if !q.Matches(device) {
			continue
		}
		for _, kind := range kinds {
			h := sensor.New(device, kind)
			// A failed read is how an unsupported sensor shows up.
			value, err := h.Read(s)
			if err != nil {
				continue
			}
			props := h.Properties()
			rows = append(rows, Row{
				Device: device,
				Node:   nodes[device],
				Sensor: props.Name,
				Value:  value,
				Unit:   props.Unit,
			})
		}
	}
	return rows, nil
}

// Summary aggregates the readings of one series.
type Summary struct {
	Metric string  `json:"metric"`
	Unit   string  `json:"unit"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Last   float64 `json:"last"`
}

// Summarize computes min, max and mean over readings. An empty series yields
// a zero summary with Count 0.
func Summarize(metric, unit string, readings []sampler.Reading) Summary {
	sum := Summary{Metric: metric, Unit: unit, Count: len(readings)}
	if len(readings) == 0 {
		return sum
	}

	sum.Min = math.Inf(1)
	sum.Max = math.Inf(-1)
	var total float64
	for _, r := range readings {
		sum.Min = math.Min(sum.Min, r.Value)
		sum.Max = math.Max(sum.Max, r.Value)
		total += r.Value
	}
	sum.Mean = total / float64(len(readings))
	sum.Last = readings[len(readings)-1].Value
	return sum
}

// FormatValue renders a value with its unit, rounded to two decimals. Byte
// counts use IEC prefixes.
func FormatValue(value float64, unit string) string {
	if unit == "B" {
		if value < 0 {
			return "-" + humanize.IBytes(uint64(-value))
		}
		return humanize.IBytes(uint64(value))
	}
	// FtoaWithDigits truncates.
	return humanize.FtoaWithDigits(math.Round(value*100)/100, 2) + " " + unit
}

// RenderSnapshot writes rows as a table.
func RenderSnapshot(w io.Writer, rows []Row) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Device", "Node", "Sensor", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, row := range rows {
		node := row.Node
		if node == "" {
			node = "-"
		}
		table.Append([]string{
			strconv.FormatUint(uint64(row.Device), 10),
			node,
			row.Sensor,
			FormatValue(row.Value, row.Unit),
		})
	}
	table.Render()
}

// RenderSummaries writes sampled series summaries as a table.
func RenderSummaries(w io.Writer, summaries []Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Samples", "Min", "Mean", "Max", "Last"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, s := range summaries {
		if s.Count == 0 {
			table.Append([]string{s.Metric, "0", "-", "-", "-", "-"})
			continue
		}
		table.Append([]string{
			s.Metric,
			humanize.Comma(int64(s.Count)),
			FormatValue(s.Min, s.Unit),
			FormatValue(s.Mean, s.Unit),
			FormatValue(s.Max, s.Unit),
			FormatValue(s.Last, s.Unit),
		})
	}
	table.Render()
}

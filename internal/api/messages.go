package api

import (
	"github.com/skobkin/amdgpu-sampler/internal/gpu"
	"github.com/skobkin/amdgpu-sampler/internal/plugin"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string                  `json:"type"`
	IntervalMS int64                   `json:"interval_ms"`
	State      string                  `json:"state"`
	Devices    []gpu.Info              `json:"devices"`
	Metrics    []plugin.MetricProperty `json:"metrics"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, state string, devices []gpu.Info, metrics []plugin.MetricProperty) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		State:      state,
		Devices:    devices,
		Metrics:    metrics,
	}
}

// ReadingsMessage carries the readings drained for one metric.
type ReadingsMessage struct {
	Type     string            `json:"type"`
	Metric   string            `json:"metric"`
	Node     string            `json:"node,omitempty"`
	Readings []sampler.Reading `json:"readings"`
}

// NewReadingsMessage constructs a readings payload. node is empty for flat
// metric names.
func NewReadingsMessage(metric, node string, readings []sampler.Reading) ReadingsMessage {
	return ReadingsMessage{
		Type:     "readings",
		Metric:   metric,
		Node:     node,
		Readings: readings,
	}
}

// TickMessage notifies a subscribed client that a sampling tick completed.
type TickMessage struct {
	Type string `json:"type"`
	sampler.Tick
}

// NewTickMessage constructs a tick payload.
func NewTickMessage(tick sampler.Tick) TickMessage {
	return TickMessage{
		Type: "tick",
		Tick: tick,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PullMessage requests the readings of one metric collected since the
// previous pull. With Node set, Metric is the bare sensor name on that
// topology node.
type PullMessage struct {
	Type   string `json:"type"`
	Metric string `json:"metric"`
	Node   string `json:"node,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

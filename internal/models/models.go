// Package models defines the records exchanged between the HTTP surface, the collector and the datastores.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dadlab/nodedb/internal/common/constants"
)

// ErrMissingNode is returned when a metrics reading does not name its node.
var ErrMissingNode = errors.New("missing node")

// Picture is a binary blob stored in the relational datastore.
type Picture struct {
	ID          string
	RequestID   string
	ZoomPercent int
	CreatedAt   time.Time
	Data        []byte
}

// Sample is one timestamped observation of a node, stored in the document datastore.
type Sample struct {
	ID        string    `json:"_id,omitempty"`
	Node      string    `json:"node"`
	OSName    string    `json:"osName"`
	CPUUsage  float64   `json:"cpuUsage"`
	RAMUsage  float64   `json:"ramUsage"`
	Timestamp time.Time `json:"timestamp"`
}

// Reading is the shape every node answers on its metrics endpoint.
type Reading struct {
	Node     string  `json:"node"`
	OSName   string  `json:"osName"`
	CPUUsage float64 `json:"cpuUsage"`
	RAMUsage float64 `json:"ramUsage"`
}

// RosterEntry is a node polled by the fleet collector.
type RosterEntry struct {
	Name string
	URL  string
}

// ParseReading decodes a JSON metrics reading sent by a node or an arbitrary client.
//
// Usage values may be numbers or numeric strings; anything else becomes 0.
// A missing or empty osName becomes constants.UnknownOS.
// It returns ErrMissingNode if node is absent, empty or not a string.
func ParseReading(data []byte) (Reading, error) {
	var raw struct {
		Node     json.RawMessage `json:"node"`
		OSName   json.RawMessage `json:"osName"`
		CPUUsage json.RawMessage `json:"cpuUsage"`
		RAMUsage json.RawMessage `json:"ramUsage"`
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Reading{}, fmt.Errorf("reading is not a JSON object")
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Reading{}, fmt.Errorf("invalid reading: %v", err)
	}

	var r Reading
	if err := json.Unmarshal(raw.Node, &r.Node); err != nil || r.Node == "" {
		return Reading{}, ErrMissingNode
	}
	if err := json.Unmarshal(raw.OSName, &r.OSName); err != nil || r.OSName == "" {
		r.OSName = constants.UnknownOS
	}
	r.CPUUsage = coerceFloat(raw.CPUUsage)
	r.RAMUsage = coerceFloat(raw.RAMUsage)

	return r, nil
}

// Sample stamps the reading into a new sample.
func (r Reading) Sample(at time.Time) Sample {
	return Sample{
		Node:      r.Node,
		OSName:    r.OSName,
		CPUUsage:  r.CPUUsage,
		RAMUsage:  r.RAMUsage,
		Timestamp: at,
	}
}

func coerceFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

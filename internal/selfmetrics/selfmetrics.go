// Package selfmetrics computes the current CPU and RAM utilization of the host running the service.
package selfmetrics

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/models"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Reporter reports the utilization of the local host.
type Reporter struct {
	node string
	opts options
}

// OSInfo describes the local operating system.
type OSInfo struct {
	Name    string
	Release string
	Arch    string
}

type options struct {
	loadAvg  func(ctx context.Context) (float64, error)
	cpuCount func(ctx context.Context) (int, error)
	memory   func(ctx context.Context) (total, free uint64, err error)
	osInfo   func(ctx context.Context) (OSInfo, error)
}

// Options represents an optional function to override Reporter default probes.
type Options func(*options)

// New returns a Reporter identifying itself as node. An empty node defaults to constants.SelfNodeName.
func New(node string, args ...Options) *Reporter {
	opts := options{
		loadAvg: func(ctx context.Context) (float64, error) {
			avg, err := load.AvgWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return avg.Load1, nil
		},
		cpuCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		memory: func(ctx context.Context) (uint64, uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, 0, err
			}
			return vm.Total, vm.Free, nil
		},
		osInfo: func(ctx context.Context) (OSInfo, error) {
			info, err := host.InfoWithContext(ctx)
			if err != nil {
				return OSInfo{}, err
			}
			return OSInfo{Name: info.OS, Release: info.KernelVersion, Arch: info.KernelArch}, nil
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	if node == "" {
		node = constants.SelfNodeName
	}
	return &Reporter{node: node, opts: opts}
}

// Node returns the name the reporter identifies itself with.
func (r Reporter) Node() string {
	return r.node
}

// Report returns the current reading of the host.
//
// Probes which fail report 0, or constants.UnknownOS for the OS descriptor.
func (r Reporter) Report(ctx context.Context) models.Reading {
	return models.Reading{
		Node:     r.node,
		OSName:   r.osName(ctx),
		CPUUsage: round2(r.cpuUsage(ctx)),
		RAMUsage: round2(r.ramUsage(ctx)),
	}
}

// cpuUsage is the 1 minute load average normalized by the number of cores, capped to 100.
func (r Reporter) cpuUsage(ctx context.Context) float64 {
	load1, err := r.opts.loadAvg(ctx)
	if err != nil {
		slog.Debug("Could not read load average", "err", err)
		return 0
	}
	cores, err := r.opts.cpuCount(ctx)
	if err != nil {
		slog.Debug("Could not read CPU count", "err", err)
		return 0
	}
	if cores <= 0 || load1 < 0 {
		return 0
	}
	return min(100, load1/float64(cores)*100)
}

func (r Reporter) ramUsage(ctx context.Context) float64 {
	total, free, err := r.opts.memory(ctx)
	if err != nil {
		slog.Debug("Could not read memory usage", "err", err)
		return 0
	}
	if total == 0 || free > total {
		return 0
	}
	return float64(total-free) / float64(total) * 100
}

func (r Reporter) osName(ctx context.Context) string {
	info, err := r.opts.osInfo(ctx)
	if err != nil || info.Name == "" {
		slog.Debug("Could not read OS information", "err", err)
		return constants.UnknownOS
	}

	parts := []string{cases.Title(language.Und).String(info.Name)}
	for _, p := range []string{info.Release, info.Arch} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

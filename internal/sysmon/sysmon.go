// Package sysmon samples host CPU and memory so background sweeps can back
// off while the machine is busy serving foreground work.
package sysmon

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Stats is one resource sample.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
	MemTotalMB uint64  `json:"mem_total_mb"`
}

// Monitor gates resource-heavy background work on host load.
type Monitor struct {
	log           hclog.Logger
	maxCPUPercent float64
	maxMemPercent float64
}

// New creates a monitor. Thresholds are percentages; work is throttled when
// either is exceeded.
func New(log hclog.Logger, maxCPUPercent, maxMemPercent float64) *Monitor {
	return &Monitor{log: log.Named("sysmon"), maxCPUPercent: maxCPUPercent, maxMemPercent: maxMemPercent}
}

// Snapshot samples current CPU and memory usage.
func (m *Monitor) Snapshot(ctx context.Context) (*Stats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}

	stats := &Stats{
		MemPercent: vm.UsedPercent,
		MemUsedMB:  vm.Used / 1024 / 1024,
		MemTotalMB: vm.Total / 1024 / 1024,
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	return stats, nil
}

// Healthy reports whether background sweeps may run now. Sampling failures
// count as healthy so a broken probe never wedges the pipeline.
func (m *Monitor) Healthy(ctx context.Context) bool {
	stats, err := m.Snapshot(ctx)
	if err != nil {
		m.log.Warn("resource sample failed", "error", err)
		return true
	}
	if stats.CPUPercent > m.maxCPUPercent || stats.MemPercent > m.maxMemPercent {
		m.log.Info("throttling background work",
			"cpu_percent", stats.CPUPercent, "mem_percent", stats.MemPercent)
		return false
	}
	return true
}

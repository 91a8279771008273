package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host summarises host memory and CPU for the system status report
type Host struct {
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsed      uint64  `json:"memory_used"`
	MemoryAvailable uint64  `json:"memory_available"`
	MemoryPercent   float64 `json:"memory_percent"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
}

// ProbeHost samples host memory and CPU usage
func ProbeHost(ctx context.Context) (Host, error) {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Host{}, fmt.Errorf("failed to read memory stats: %w", err)
	}

	h := Host{
		MemoryTotal:     vmem.Total,
		MemoryUsed:      vmem.Used,
		MemoryAvailable: vmem.Available,
		MemoryPercent:   vmem.UsedPercent,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		h.CPUCount = n
	}
	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		h.CPUPercent = pct[0]
	}
	return h, nil
}

package watchdog

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostSample reads host memory and CPU utilisation. CPU percent is
// measured since the previous call, which matches the sweep cadence.
func hostSample(ctx context.Context) (float64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("watchdog: sample memory: %w", err)
	}
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return vm.UsedPercent, 0, fmt.Errorf("watchdog: sample cpu: %w", err)
	}
	cpuPct := 0.0
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	return vm.UsedPercent, cpuPct, nil
}

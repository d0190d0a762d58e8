package stats

import (
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryProbe reports used system memory in MiB.
type MemoryProbe func() (int, error)

// MemoryUsedMB returns total minus available system memory, in MiB, rounded.
func MemoryUsedMB() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("reading virtual memory: %w", err)
	}
	return usedMiB(vm.Total, vm.Available), nil
}

func usedMiB(total, available uint64) int {
	if available >= total {
		return 0
	}
	return int(math.Round(float64(total-available) / (1 << 20)))
}

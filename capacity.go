package main

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// probe reports the logical CPU count and free/total memory, in KB, at the
// moment of the call. It never errors: on an unsupported platform it falls
// back to zeros, and validateConfig already treats cpuCores == 0 as "unknown".
func probe() (cpuCores, totalMemKB, freeMemKB uint64) {
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		cpuCores = uint64(counts)
	} else if err != nil {
		logWarn("cpu probe failed, reporting unknown core count: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		totalMemKB = vm.Total / 1024
		freeMemKB = vm.Available / 1024
	} else if err != nil {
		logWarn("memory probe failed, reporting zero: %v", err)
	}

	return cpuCores, totalMemKB, freeMemKB
}

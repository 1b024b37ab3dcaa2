// Package selfcare guards the server against resource exhaustion: it samples
// host gauges and refuses new work when the machine (or the queue) is
// saturated.
package selfcare

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const cpuSampleInterval = 500 * time.Millisecond

type (
	CPUStat struct {
		// AggregatePercent is load summed across all cores, so a fully
		// loaded 4 core machine reads 400.
		AggregatePercent float64
		Cores            int
	}

	MemoryStat struct {
		UsedPercent float64
		FreePercent float64
	}

	SwapStat struct {
		UsedPercent float64
		FreePercent float64
	}

	DiskStat struct {
		TotalGB float64
		UsedGB  float64
		FreeGB  float64
	}

	// Monitor samples the host gauges the admission gate and the system
	// status report are built from. The production implementation reads the
	// real host; tests substitute fixed readings.
	Monitor interface {
		CPU() (CPUStat, error)
		Memory() (MemoryStat, error)
		Swap() (SwapStat, error)
		Disk(path string) (DiskStat, error)
	}

	hostMonitor struct{}
)

func NewHostMonitor() Monitor { return hostMonitor{} }

func (hostMonitor) CPU() (CPUStat, error) {
	cores, err := cpu.Counts(true)
	if err != nil {
		return CPUStat{}, err
	}

	percents, err := cpu.Percent(cpuSampleInterval, false)
	if err != nil {
		return CPUStat{}, err
	}

	aggregate := 0.0
	if len(percents) > 0 {
		aggregate = percents[0] * float64(cores)
	}

	return CPUStat{AggregatePercent: aggregate, Cores: cores}, nil
}

func (hostMonitor) Memory() (MemoryStat, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryStat{}, err
	}

	free := 0.0
	if vm.Total > 0 {
		free = float64(vm.Available) * 100 / float64(vm.Total)
	}

	return MemoryStat{UsedPercent: vm.UsedPercent, FreePercent: free}, nil
}

func (hostMonitor) Swap() (SwapStat, error) {
	swap, err := mem.SwapMemory()
	if err != nil {
		return SwapStat{}, err
	}

	free := 0.0
	if swap.Total > 0 {
		free = float64(swap.Free) * 100 / float64(swap.Total)
	}

	return SwapStat{UsedPercent: swap.UsedPercent, FreePercent: free}, nil
}

func (hostMonitor) Disk(path string) (DiskStat, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskStat{}, err
	}

	const gb = 1_000_000_000
	return DiskStat{
		TotalGB: float64(usage.Total) / gb,
		UsedGB:  float64(usage.Used) / gb,
		FreeGB:  float64(usage.Free) / gb,
	}, nil
}

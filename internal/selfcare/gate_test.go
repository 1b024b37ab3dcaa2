package selfcare_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Scribe/internal/selfcare"
)

// stubMonitor returns fixed gauge readings; a nil error field means the
// reading succeeds.
type stubMonitor struct {
	cpu     selfcare.CPUStat
	cpuErr  error
	memory  selfcare.MemoryStat
	memErr  error
	swap    selfcare.SwapStat
	swapErr error
	disk    selfcare.DiskStat
	diskErr error
}

func (m *stubMonitor) CPU() (selfcare.CPUStat, error) { return m.cpu, m.cpuErr }

func (m *stubMonitor) Memory() (selfcare.MemoryStat, error) { return m.memory, m.memErr }

func (m *stubMonitor) Swap() (selfcare.SwapStat, error) { return m.swap, m.swapErr }

func (m *stubMonitor) Disk(string) (selfcare.DiskStat, error) { return m.disk, m.diskErr }

func healthyMonitor() *stubMonitor {
	return &stubMonitor{
		cpu:    selfcare.CPUStat{AggregatePercent: 120, Cores: 4},
		memory: selfcare.MemoryStat{UsedPercent: 42.3, FreePercent: 57.7},
		swap:   selfcare.SwapStat{UsedPercent: 1.5, FreePercent: 98.5},
		disk:   selfcare.DiskStat{TotalGB: 500, UsedGB: 200, FreeGB: 300},
	}
}

func defaultConfig() selfcare.Config {
	return selfcare.Config{
		DiskPath:        "./",
		MaxDiskPercent:  90,
		MaxRAMPercent:   90,
		MaxCPUPercent:   400,
		MaxQueueLength:  50,
		ParallelWorkers: 2,
	}
}

func Test_Admit_HealthyHostAcceptsWork(t *testing.T) {
	t.Parallel()

	gate := selfcare.NewGate(defaultConfig(), healthyMonitor())
	assert.NoError(t, gate.Admit(10))
}

func Test_Admit_FullDiskRejects(t *testing.T) {
	t.Parallel()

	monitor := healthyMonitor()
	monitor.disk = selfcare.DiskStat{TotalGB: 100, UsedGB: 95, FreeGB: 5}
	gate := selfcare.NewGate(defaultConfig(), monitor)

	err := gate.Admit(0)
	var rejection *selfcare.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Not enough storage", rejection.Message)
}

func Test_Admit_ExhaustedRAMRejects(t *testing.T) {
	t.Parallel()

	monitor := healthyMonitor()
	monitor.memory = selfcare.MemoryStat{UsedPercent: 93.2, FreePercent: 6.8}
	gate := selfcare.NewGate(defaultConfig(), monitor)

	err := gate.Admit(0)
	var rejection *selfcare.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Not enough ram", rejection.Message)
}

func Test_Admit_SaturatedCPURejects(t *testing.T) {
	t.Parallel()

	monitor := healthyMonitor()
	monitor.cpu = selfcare.CPUStat{AggregatePercent: 612.7, Cores: 8}
	gate := selfcare.NewGate(defaultConfig(), monitor)

	err := gate.Admit(0)
	var rejection *selfcare.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Not enough cpu", rejection.Message)
}

func Test_Admit_FullQueueRejects(t *testing.T) {
	t.Parallel()

	gate := selfcare.NewGate(defaultConfig(), healthyMonitor())

	assert.NoError(t, gate.Admit(50))
	err := gate.Admit(51)
	var rejection *selfcare.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "The queue is full", rejection.Message)
}

func Test_Admit_UnreadableGaugesAreTreatedHealthy(t *testing.T) {
	t.Parallel()

	monitor := &stubMonitor{
		cpuErr:  errors.New("no procfs"),
		memErr:  errors.New("no procfs"),
		diskErr: errors.New("no mount"),
	}
	gate := selfcare.NewGate(defaultConfig(), monitor)
	assert.NoError(t, gate.Admit(0))
}

func Test_Admit_ThresholdsAreBoundaryExclusive(t *testing.T) {
	t.Parallel()

	monitor := healthyMonitor()
	monitor.memory = selfcare.MemoryStat{UsedPercent: 90.0, FreePercent: 10}
	monitor.cpu = selfcare.CPUStat{AggregatePercent: 400.0, Cores: 4}
	monitor.disk = selfcare.DiskStat{TotalGB: 100, UsedGB: 90, FreeGB: 10}

	gate := selfcare.NewGate(defaultConfig(), monitor)
	assert.NoError(t, gate.Admit(0))
}

func Test_Status_ReportsNormalisedGauges(t *testing.T) {
	t.Parallel()

	gate := selfcare.NewGate(defaultConfig(), healthyMonitor())
	status := gate.Status(7, 2)

	// Aggregate load of 120 across 4 cores reads as 30% machine usage.
	assert.Equal(t, 30.0, status.CPUUsage)
	assert.Equal(t, 4, status.CPUCores)
	assert.Equal(t, 42.3, status.RAMUsage)
	assert.Equal(t, 57.7, status.RAMFree)
	assert.Equal(t, 500.0, status.StorageTotal)
	assert.Equal(t, 200.0, status.StorageUsage)
	assert.Equal(t, 300.0, status.StorageFree)
	assert.Equal(t, 1.5, status.SwapUsage)
	assert.Equal(t, 98.5, status.SwapFree)
	assert.Equal(t, 7, status.QueueLength)
	assert.Equal(t, 2, status.RunningJobs)
	assert.Equal(t, 2, status.ParallelJobs)
}

func Test_Status_UnreadableGaugesReportZero(t *testing.T) {
	t.Parallel()

	monitor := &stubMonitor{
		cpuErr:  errors.New("no procfs"),
		memErr:  errors.New("no procfs"),
		swapErr: errors.New("no procfs"),
		diskErr: errors.New("no mount"),
	}
	gate := selfcare.NewGate(defaultConfig(), monitor)

	status := gate.Status(0, 0)
	assert.Zero(t, status.CPUUsage)
	assert.Zero(t, status.RAMUsage)
	assert.Zero(t, status.StorageTotal)
	assert.Zero(t, status.SwapFree)
}

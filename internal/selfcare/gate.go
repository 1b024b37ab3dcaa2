package selfcare

import (
	"math"

	"github.com/hbomb79/Scribe/pkg/logger"
)

var log = logger.Get("SelfCare")

type (
	Config struct {
		// DiskPath is the mount whose usage is checked before admitting work.
		DiskPath string `yaml:"disk_path" env:"SELFCARE_DISK_PATH" env-default:"./"`

		MaxDiskPercent  float64 `yaml:"max_disk_percent" env:"SELFCARE_MAX_DISK_PERCENT" env-default:"90"`
		MaxRAMPercent   float64 `yaml:"max_ram_percent" env:"SELFCARE_MAX_RAM_PERCENT" env-default:"90"`
		MaxCPUPercent   float64 `yaml:"max_cpu_percent" env:"SELFCARE_MAX_CPU_PERCENT" env-default:"400"`
		MaxQueueLength  int     `yaml:"max_queue_length" env:"SELFCARE_MAX_QUEUE_LENGTH" env-default:"50"`
		ParallelWorkers int     `yaml:"-" env:"-"`
	}

	// RejectionError names the exhausted resource. Callers translate it into
	// an Insufficient Storage response.
	RejectionError struct {
		Message string
	}

	// Gate decides whether a new transcription job may be admitted. Each
	// decision re-samples the host so a recovered machine starts accepting
	// work again without intervention.
	Gate struct {
		config  Config
		monitor Monitor
	}

	// SystemStatus is the report served to operators.
	SystemStatus struct {
		CPUUsage       float64 `json:"cpu_usage"`
		CPUCores       int     `json:"cpu_cores"`
		RAMUsage       float64 `json:"ram_usage"`
		RAMFree        float64 `json:"ram_free"`
		StorageTotal   float64 `json:"storage_total"`
		StorageUsage   float64 `json:"storage_usage"`
		StorageFree    float64 `json:"storage_free"`
		SwapUsage      float64 `json:"swap_usage"`
		SwapFree       float64 `json:"swap_free"`
		QueueLength    int     `json:"queue_length"`
		RunningJobs    int     `json:"running_jobs"`
		ParallelJobs   int     `json:"parallel_jobs"`
	}
)

func (err *RejectionError) Error() string { return err.Message }

func NewGate(config Config, monitor Monitor) *Gate {
	return &Gate{config: config, monitor: monitor}
}

// Admit checks every gauge against its threshold and returns a
// RejectionError naming the first exhausted resource, or nil when the
// job may be accepted. Gauges that cannot be sampled do not block
// admission; an unreadable gauge is logged and treated as healthy.
func (gate *Gate) Admit(queueLength int) error {
	if stat, err := gate.monitor.Disk(gate.config.DiskPath); err != nil {
		log.Warnf("Failed to sample disk usage: %s\n", err)
	} else if stat.TotalGB > 0 && 100/stat.TotalGB*stat.UsedGB > gate.config.MaxDiskPercent {
		return &RejectionError{Message: "Not enough storage"}
	}

	if stat, err := gate.monitor.Memory(); err != nil {
		log.Warnf("Failed to sample memory usage: %s\n", err)
	} else if round1(stat.UsedPercent) > gate.config.MaxRAMPercent {
		return &RejectionError{Message: "Not enough ram"}
	}

	if stat, err := gate.monitor.CPU(); err != nil {
		log.Warnf("Failed to sample cpu usage: %s\n", err)
	} else if math.Round(stat.AggregatePercent) > gate.config.MaxCPUPercent {
		return &RejectionError{Message: "Not enough cpu"}
	}

	if queueLength > gate.config.MaxQueueLength {
		return &RejectionError{Message: "The queue is full"}
	}

	return nil
}

// Status assembles the operator-facing system report. Unreadable gauges
// report as zero rather than failing the whole request.
func (gate *Gate) Status(queueLength int, runningJobs int) SystemStatus {
	status := SystemStatus{
		QueueLength:  queueLength,
		RunningJobs:  runningJobs,
		ParallelJobs: gate.config.ParallelWorkers,
	}

	if stat, err := gate.monitor.CPU(); err != nil {
		log.Warnf("Failed to sample cpu usage: %s\n", err)
	} else {
		status.CPUCores = stat.Cores
		if stat.Cores > 0 {
			status.CPUUsage = round1(stat.AggregatePercent / float64(stat.Cores))
		}
	}

	if stat, err := gate.monitor.Memory(); err != nil {
		log.Warnf("Failed to sample memory usage: %s\n", err)
	} else {
		status.RAMUsage = round1(stat.UsedPercent)
		status.RAMFree = round1(stat.FreePercent)
	}

	if stat, err := gate.monitor.Disk(gate.config.DiskPath); err != nil {
		log.Warnf("Failed to sample disk usage: %s\n", err)
	} else {
		status.StorageTotal = round1(stat.TotalGB)
		status.StorageUsage = round1(stat.UsedGB)
		status.StorageFree = round1(stat.FreeGB)
	}

	if stat, err := gate.monitor.Swap(); err != nil {
		log.Warnf("Failed to sample swap usage: %s\n", err)
	} else {
		status.SwapUsage = round1(stat.UsedPercent)
		status.SwapFree = round1(stat.FreePercent)
	}

	return status
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package ffmpeg

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a resource snapshot of a child process.
type ProcessStats struct {
	PID        int           `json:"pid"`
	CPUPercent float64       `json:"cpu_percent"`
	RSSBytes   uint64        `json:"rss_bytes"`
	Uptime     time.Duration `json:"uptime"`
}

// StatsForPID samples CPU and resident memory of pid.
func StatsForPID(pid int) (ProcessStats, error) {
	stats := ProcessStats{PID: pid}

	proc, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return stats, fmt.Errorf("opening process %d: %w", pid, err)
	}

	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return stats, fmt.Errorf("reading memory of process %d: %w", pid, err)
	}
	if mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}

// Stats samples the running process.
func (c *Command) Stats() (ProcessStats, error) {
	pid := c.PID()
	if pid == 0 {
		return ProcessStats{}, fmt.Errorf("command not started")
	}
	stats, err := StatsForPID(pid)
	stats.Uptime = c.Duration()
	return stats, err
}

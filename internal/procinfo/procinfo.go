// ABOUTME: Resource snapshots of worker processes and the host via gopsutil
// ABOUTME: Backs the per-agent process endpoint of the status API

package procinfo

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

// ErrNoProcess is returned when the pid does not refer to a live process.
var ErrNoProcess = errors.New("process not found")

// Info describes one live process.
type Info struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	Cmdline    string    `json:"cmdline"`
	RSSBytes   uint64    `json:"rss_bytes"`
	VMSBytes   uint64    `json:"vms_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	Threads    int32     `json:"threads"`
	CreatedAt  time.Time `json:"created_at"`
}

// HostInfo summarizes load on the machine running the fleet.
type HostInfo struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
}

// Inspect collects a snapshot of pid.
func Inspect(pid int) (*Info, error) {
	if pid <= 0 {
		return nil, ErrNoProcess
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !exists {
		return nil, ErrNoProcess
	}

	// NewProcess starts a goroutine that writes the handle's create time
	// without a lock; every read below would race with it.
	p := &process.Process{Pid: int32(pid)}

	info := &Info{PID: pid}
	name, err := p.Name()
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning), errors.Is(err, fs.ErrNotExist):
		// Exited since the existence check.
		return nil, ErrNoProcess
	case err == nil:
		info.Name = name
	}
	// Other fields the platform cannot report are left zero.
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
		info.RSSBytes = memInfo.RSS
		info.VMSBytes = memInfo.VMS
	}
	if pct, err := p.CPUPercent(); err == nil {
		info.CPUPercent = pct
	}
	if threads, err := p.NumThreads(); err == nil {
		info.Threads = threads
	}
	if created, err := p.CreateTime(); err == nil {
		info.CreatedAt = time.UnixMilli(created)
	}
	return info, nil
}

// Host samples machine-wide CPU and memory usage.
func Host() (*HostInfo, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("reading memory stats: %w", err)
	}
	h := &HostInfo{
		MemoryPercent: vm.UsedPercent,
		MemoryUsed:    vm.Used,
		MemoryTotal:   vm.Total,
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		h.CPUPercent = pct[0]
	}
	return h, nil
}

// Package hardware samples local CPU, memory and disk utilization and
// answers capacity-admission questions for the scheduler and executor. It is
// the Go analogue of the Python original's psutil-backed HardwareInfo: all
// sampling goes through github.com/shirou/gopsutil, never /proc by hand.
package hardware

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// Snapshot is an immutable hardware reading, wire-compatible with the
// `handshake` message's `data` object (see SPEC_FULL.md §6).
type Snapshot struct {
	CPUCount         int     `json:"cpu_count"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryTotal      uint64  `json:"memory_total"`
	MemoryAvailable  uint64  `json:"memory_available"`
	MemoryPercent    float64 `json:"memory_percent,omitempty"`
	DiskTotal        uint64  `json:"disk_total"`
	DiskFree         uint64  `json:"disk_free"`
	System           string  `json:"system"`
	Machine          string  `json:"machine"`
	Processor        string  `json:"processor"`
	Hostname         string  `json:"hostname"`
}

// sampleWindow is how long a single CPU percent sample blocks for; gopsutil
// (like psutil) measures utilization over this window, so every call that
// asks for a fresh CPU reading is a suspension point of roughly this length.
const sampleWindow = time.Second

// Probe samples the local machine. Construct it with New: the zero value
// reports an empty hostname, which a peer rejects in the handshake.
type Probe struct {
	hostname string
}

// New returns a Probe bound to the local hostname.
func New() (*Probe, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hardware: resolve hostname: %w", err)
	}
	return &Probe{hostname: name}, nil
}

// SystemInfo returns a fresh Snapshot of the local machine. It blocks for
// sampleWindow while measuring CPU usage.
func (p *Probe) SystemInfo() (Snapshot, error) {
	counts, err := cpu.Counts(true)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hardware: cpu count: %w", err)
	}
	pct, err := cpu.Percent(sampleWindow, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hardware: cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hardware: virtual memory: %w", err)
	}
	du, err := disk.Usage("/")
	if err != nil {
		return Snapshot{}, fmt.Errorf("hardware: disk usage: %w", err)
	}
	info, err := host.Info()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hardware: host info: %w", err)
	}

	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}

	return Snapshot{
		CPUCount:        counts,
		CPUPercent:      cpuPct,
		MemoryTotal:     vm.Total,
		MemoryAvailable: vm.Available,
		MemoryPercent:   vm.UsedPercent,
		DiskTotal:       du.Total,
		DiskFree:        du.Free,
		System:          info.OS,
		Machine:         runtime.GOARCH,
		Processor:       info.KernelArch,
		Hostname:        p.hostname,
	}, nil
}

// ResourceUsage is the lightweight subset of a Snapshot the admission check
// needs; kept separate so an admission check skips the CPU-count and host
// lookups of a full Snapshot. It still samples CPU, memory and disk.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

func (p *Probe) resourceUsage() (ResourceUsage, error) {
	pct, err := cpu.Percent(sampleWindow, false)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("hardware: cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("hardware: virtual memory: %w", err)
	}
	du, err := disk.Usage("/")
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("hardware: disk usage: %w", err)
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}
	return ResourceUsage{
		CPUPercent:    cpuPct,
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   du.UsedPercent,
	}, nil
}

// ResourceAvailable reports whether a task requiring requiredCPU percent of
// CPU and requiredMemory percent of memory could be admitted right now. It
// blocks for sampleWindow while measuring CPU usage; no result is cached.
func (p *Probe) ResourceAvailable(requiredCPU, requiredMemory float64) (bool, error) {
	usage, err := p.resourceUsage()
	if err != nil {
		return false, err
	}
	return usage.CPUPercent+requiredCPU <= 100 && usage.MemoryPercent+requiredMemory <= 100, nil
}

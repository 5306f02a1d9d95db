// Package sysinfo summarizes the host for the boot banner and the
// periodic stats line.
package sysinfo

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// HostSummary describes the machine a conference runs on. Collection is
// best effort; fields stay zero when the platform withholds them.
type HostSummary struct {
	Hostname   string
	OS         string
	Platform   string
	Kernel     string
	Arch       string
	CPUModel   string
	CPUThreads int
	RAMTotalMB uint64
	UptimeSec  uint64
}

func CollectHost() *HostSummary {
	s := &HostSummary{Arch: runtime.GOARCH}

	if info, err := host.Info(); err == nil {
		s.Hostname = info.Hostname
		s.OS = info.OS
		s.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		s.Kernel = info.KernelVersion
		s.UptimeSec = info.Uptime
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		s.CPUModel = cpus[0].ModelName
	}
	if counts, err := cpu.Counts(true); err == nil {
		s.CPUThreads = counts
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		s.RAMTotalMB = vmem.Total / 1024 / 1024
	}

	return s
}

// LoadSnapshot is one sample of host load.
type LoadSnapshot struct {
	CPUPercent  float64
	RAMPercent  float64
	RAMUsedMB   uint64
	NetInBytes  uint64
	NetOutBytes uint64
}

// LoadCollector samples host load, reporting network bytes as deltas
// between calls.
type LoadCollector struct {
	lastNetIn  uint64
	lastNetOut uint64
}

func NewLoadCollector() *LoadCollector {
	return &LoadCollector{}
}

func (c *LoadCollector) Collect() *LoadSnapshot {
	snap := &LoadSnapshot{}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.RAMPercent = vmem.UsedPercent
		snap.RAMUsedMB = vmem.Used / 1024 / 1024
	}
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		snap.NetInBytes, snap.NetOutBytes = c.netDeltas(counters[0].BytesRecv, counters[0].BytesSent)
	}

	return snap
}

// netDeltas returns bytes moved since the previous sample, treating a
// counter that went backwards as a reset.
func (c *LoadCollector) netDeltas(in, out uint64) (uint64, uint64) {
	var dIn, dOut uint64
	if c.lastNetIn > 0 && in >= c.lastNetIn {
		dIn = in - c.lastNetIn
	}
	if c.lastNetOut > 0 && out >= c.lastNetOut {
		dOut = out - c.lastNetOut
	}
	c.lastNetIn = in
	c.lastNetOut = out
	return dIn, dOut
}

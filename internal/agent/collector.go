// Package agent implements the fleet agent: it samples host health, reports
// to the fleet server (optionally inside an E2EE envelope), polls for
// server->agent commands, and executes them.
package agent

import (
	"context"
	"net"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// topProcessCount bounds the per-report process list.
const topProcessCount = 10

// Collector samples the local host. Machine info is collected once and
// cached; metrics are sampled fresh per report.
type Collector struct {
	info map[string]any
}

// NewCollector samples the static machine info up front.
func NewCollector() *Collector {
	return &Collector{info: collectInfo()}
}

// Info returns the cached machine info.
func (c *Collector) Info() map[string]any {
	out := make(map[string]any, len(c.info))
	for k, v := range c.info {
		out[k] = v
	}
	return out
}

// Collect samples current metrics. Individual probe failures leave their
// section out rather than failing the report.
func (c *Collector) Collect(ctx context.Context) map[string]any {
	metrics := map[string]any{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics["cpu"] = map[string]any{"percent": percents[0]}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics["memory"] = map[string]any{
			"percent":     vm.UsedPercent,
			"total_bytes": vm.Total,
			"used_bytes":  vm.Used,
		}
	}
	if du, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		metrics["disk"] = map[string]any{
			"percent":     du.UsedPercent,
			"total_bytes": du.Total,
			"free_bytes":  du.Free,
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		metrics["load"] = map[string]any{
			"load1":  avg.Load1,
			"load5":  avg.Load5,
			"load15": avg.Load15,
		}
	}
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		metrics["network"] = map[string]any{
			"bytes_sent": counters[0].BytesSent,
			"bytes_recv": counters[0].BytesRecv,
		}
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		metrics["uptime_seconds"] = uptime
	}
	if procs := topProcesses(ctx, topProcessCount); len(procs) > 0 {
		metrics["processes"] = procs
	}
	metrics["sampled_at"] = time.Now().UTC().Format(time.RFC3339)
	return metrics
}

func collectInfo() map[string]any {
	info := map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if hi, err := host.Info(); err == nil {
		info["computer_name"] = hi.Hostname
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["boot_time"] = hi.BootTime
		// HostID is the closest portable stand-in for a hardware serial.
		info["serial_number"] = hi.HostID
	}
	if counts, err := cpu.Counts(true); err == nil {
		info["cpu_count"] = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total_bytes"] = vm.Total
	}
	if ip := localIP(); ip != "" {
		info["local_ip"] = ip
	}
	if parts, err := disk.Partitions(false); err == nil {
		mounts := make([]string, 0, len(parts))
		for _, p := range parts {
			mounts = append(mounts, p.Mountpoint)
		}
		info["disks"] = mounts
	}
	return info
}

// localIP finds the primary outbound IPv4 without sending any packets.
func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// topProcesses returns the n heaviest processes by memory.
func topProcesses(ctx context.Context, n int) []map[string]any {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	type sample struct {
		pid  int32
		name string
		mem  float32
		cpu  float64
	}
	samples := make([]sample, 0, len(procs))
	for _, p := range procs {
		memPct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		samples = append(samples, sample{pid: p.Pid, name: name, mem: memPct, cpu: cpuPct})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].mem > samples[j].mem })
	if len(samples) > n {
		samples = samples[:n]
	}
	out := make([]map[string]any, 0, len(samples))
	for _, s := range samples {
		out = append(out, map[string]any{
			"pid":            s.pid,
			"name":           s.name,
			"memory_percent": s.mem,
			"cpu_percent":    s.cpu,
		})
	}
	return out
}

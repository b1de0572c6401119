// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package promexp implements the Prometheus text-exposition reader path: a
// prometheus.Collector that renders a bounded snapshot copy into the full
// metric family catalogue, served through promhttp. Collect is a pure
// function of the snapshot it's handed; it never touches the live buffers
// itself, so it can't block the producer and can't observe a torn read
// (that guarantee lives in snapshot.BenchCopy, which the caller is
// expected to have used to build the Snapshot it passes in).
package promexp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcspire/telemetryd/pkg/security"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// namespace is the metric family prefix for every series this collector
// emits, matching the original pipeline's exposition format exactly.
const namespace = "montauk"

// cmdLabelMaxBytes truncates the per-process "cmd" label so a runaway
// command line can't blow up response size or label cardinality.
const cmdLabelMaxBytes = 32

// Collector adapts a Snapshot supplier into a prometheus.Collector. Source
// is called once per scrape; callers typically pass a closure around
// snapshot.BenchCopy into a reusable buffer.
type Collector struct {
	Source func() snapshot.Snapshot
}

func New(source func() snapshot.Snapshot) *Collector {
	return &Collector{Source: source}
}

// Describe is intentionally a no-op: every metric here is dynamic in
// cardinality (per-core, per-device, per-process), so this collector is
// registered unchecked, matching the pattern other dynamic exporters in
// the ecosystem use.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Source()
	emit(ch, s)
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(namespace+"_"+name, help, labels, nil)
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labelValues ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labelValues...)
}

func emit(ch chan<- prometheus.Metric, s snapshot.Snapshot) {
	emitCPU(ch, s.CPU)
	emitMemory(ch, s.Memory)
	emitNetwork(ch, s.Network)
	emitDisk(ch, s.Disk)
	emitFilesystem(ch, s.FS)
	emitProcesses(ch, s.Procs)
	emitGPU(ch, s.GPU)
	emitThermal(ch, s.Thermal)
	emitSecurity(ch, s)
}

func emitCPU(ch chan<- prometheus.Metric, c snapshot.CPU) {
	gauge(ch, desc("cpu_usage_percent", "Aggregate CPU utilization"), c.TotalUtilization)
	if len(c.PerCore) > 0 {
		d := desc("cpu_core_usage_percent", "Per-core CPU utilization", "core")
		for _, core := range c.PerCore {
			gauge(ch, d, core.Utilization, strconv.Itoa(int(core.Index)))
		}
	}
	gauge(ch, desc("cpu_physical_cores", "Physical CPU cores"), float64(c.PhysicalCores))
	gauge(ch, desc("cpu_logical_threads", "Logical CPU threads"), float64(c.LogicalThreads))

	pctD := desc("cpu_duty_percent", "CPU duty-cycle breakdown percent", "mode")
	gauge(ch, pctD, c.UserPct, "user")
	gauge(ch, pctD, c.SystemPct, "system")
	gauge(ch, pctD, c.IOWaitPct, "iowait")
	gauge(ch, pctD, c.IRQPct, "irq")
	gauge(ch, pctD, c.StealPct, "steal")

	gauge(ch, desc("cpu_context_switches_per_second", "Context switches per second"), c.ContextSwitchesPerSec)
	gauge(ch, desc("cpu_interrupts_per_second", "Interrupts per second"), c.InterruptsPerSec)
}

func emitMemory(ch chan<- prometheus.Metric, m snapshot.Memory) {
	gauge(ch, desc("memory_total_bytes", "Total physical memory"), float64(m.MemTotal))
	gauge(ch, desc("memory_available_bytes", "Available memory (MemAvailable)"), float64(m.MemAvailable))
	gauge(ch, desc("memory_cached_bytes", "Cached memory"), float64(m.Cached))
	gauge(ch, desc("memory_buffers_bytes", "Buffer memory"), float64(m.Buffers))
	gauge(ch, desc("memory_swap_total_bytes", "Total swap space"), float64(m.SwapTotal))
	gauge(ch, desc("memory_swap_used_bytes", "Used swap space"), float64(m.SwapTotal-m.SwapFree))
	gauge(ch, desc("memory_used_percent", "Memory utilization percent"), m.UsedPct)
}

func emitNetwork(ch chan<- prometheus.Metric, n snapshot.Network) {
	if len(n.Interfaces) == 0 {
		return
	}
	rxD := desc("network_interface_receive_bps", "Per-interface receive bytes/sec", "interface")
	txD := desc("network_interface_transmit_bps", "Per-interface transmit bytes/sec", "interface")
	var aggRx, aggTx float64
	for _, iface := range n.Interfaces {
		gauge(ch, rxD, iface.RxBytesPerSec, iface.Name)
		gauge(ch, txD, iface.TxBytesPerSec, iface.Name)
		aggRx += iface.RxBytesPerSec
		aggTx += iface.TxBytesPerSec
	}
	gauge(ch, desc("network_receive_bps_total", "Aggregate receive bytes/sec"), aggRx)
	gauge(ch, desc("network_transmit_bps_total", "Aggregate transmit bytes/sec"), aggTx)
}

func emitDisk(ch chan<- prometheus.Metric, disk snapshot.Disk) {
	if len(disk.Devices) == 0 {
		return
	}
	readD := desc("disk_device_read_bytes_per_second", "Per-device read bytes/sec", "device")
	utilD := desc("disk_device_utilization_percent", "Per-device I/O utilization", "device")
	var aggRead float64
	for _, dev := range disk.Devices {
		readBps := float64(dev.ReadBytes)
		gauge(ch, readD, readBps, dev.Name)
		gauge(ch, utilD, dev.UtilizationPct, dev.Name)
		aggRead += readBps
	}
	gauge(ch, desc("disk_read_bytes_per_second_total", "Aggregate disk read bytes/sec"), aggRead)
}

func emitFilesystem(ch chan<- prometheus.Metric, fs snapshot.Filesystem) {
	if len(fs.Mounts) == 0 {
		return
	}
	totalD := desc("filesystem_total_bytes", "Filesystem total size", "device", "mountpoint", "fstype")
	pctD := desc("filesystem_used_percent", "Filesystem utilization percent", "device", "mountpoint", "fstype")
	for _, m := range fs.Mounts {
		gauge(ch, totalD, float64(m.TotalBytes), m.Device, m.MountPoint, m.FSType)
		gauge(ch, pctD, m.UsedPct, m.Device, m.MountPoint, m.FSType)
	}
}

func emitProcesses(ch chan<- prometheus.Metric, procs snapshot.ProcessSnapshot) {
	gauge(ch, desc("processes_total", "Total processes"), float64(procs.TotalProcesses))
	gauge(ch, desc("processes_running", "Running processes"), float64(procs.StateRunning))
	gauge(ch, desc("processes_sleeping", "Sleeping processes"), float64(procs.StateSleeping))
	gauge(ch, desc("processes_zombie", "Zombie processes"), float64(procs.StateZombie))
	gauge(ch, desc("threads_total", "Total threads"), float64(procs.TotalThreads))

	if procs.RowCount == 0 {
		return
	}
	cpuD := desc("process_cpu_percent", "Per-process CPU utilization", "pid", "cmd")
	memD := desc("process_memory_bytes", "Per-process resident memory", "pid", "cmd")
	for _, p := range procs.Rows[:procs.RowCount] {
		cmd := truncateLabel(processLabel(p), cmdLabelMaxBytes)
		pid := strconv.Itoa(int(p.PID))
		gauge(ch, cpuD, p.CPUPct, pid, cmd)
		gauge(ch, memD, float64(p.RSSBytes), pid, cmd)
	}
}

func processLabel(p snapshot.Process) string {
	if p.Cmdline != "" {
		return p.Cmdline
	}
	return p.Comm
}

func truncateLabel(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}

func emitGPU(ch chan<- prometheus.Metric, g snapshot.GPU) {
	if len(g.Devices) == 0 {
		return
	}
	vramTotalD := desc("gpu_memory_total_bytes", "GPU total VRAM", "gpu")
	vramUsedD := desc("gpu_memory_used_bytes", "GPU used VRAM", "gpu")

	var anyUtil, anyTemp, anyFan, anyPower, anyEncDec bool
	var totalVRAM, usedVRAM float64
	for _, d := range g.Devices {
		anyUtil = anyUtil || d.UtilizationPct > 0
		anyTemp = anyTemp || d.HasTemp
		anyFan = anyFan || d.HasFan
		anyPower = anyPower || d.HasPower
		anyEncDec = anyEncDec || d.HasEncoder || d.HasDecoder
		totalVRAM += float64(d.MemTotalBytes)
		usedVRAM += float64(d.MemUsedBytes)
		gauge(ch, vramTotalD, float64(d.MemTotalBytes), d.Name)
		gauge(ch, vramUsedD, float64(d.MemUsedBytes), d.Name)
	}
	gauge(ch, desc("gpu_memory_total_bytes_sum", "Aggregate GPU VRAM total"), totalVRAM)
	gauge(ch, desc("gpu_memory_used_bytes_sum", "Aggregate GPU VRAM used"), usedVRAM)
	if totalVRAM > 0 {
		gauge(ch, desc("gpu_memory_used_percent", "Aggregate GPU VRAM used percent"), 100*usedVRAM/totalVRAM)
	}

	if anyUtil {
		d := desc("gpu_utilization_percent", "Per-device GPU core utilization", "gpu")
		for _, dev := range g.Devices {
			gauge(ch, d, dev.UtilizationPct, dev.Name)
		}
	}
	if anyTemp {
		d := desc("gpu_temperature_celsius", "Per-device GPU temperature", "gpu")
		for _, dev := range g.Devices {
			if dev.HasTemp {
				gauge(ch, d, float64(dev.TempMilliC)/1000.0, dev.Name)
			}
		}
	}
	if anyFan {
		d := desc("gpu_fan_percent", "Per-device GPU fan speed percent", "gpu")
		for _, dev := range g.Devices {
			if dev.HasFan {
				gauge(ch, d, dev.FanPct, dev.Name)
			}
		}
	}
	if anyPower {
		d := desc("gpu_power_watts", "Per-device GPU power draw", "gpu")
		for _, dev := range g.Devices {
			if dev.HasPower {
				gauge(ch, d, float64(dev.PowerMilliW)/1000.0, dev.Name)
			}
		}
	}
	if anyEncDec {
		encD := desc("gpu_encoder_utilization_percent", "Per-device GPU encoder utilization", "gpu")
		decD := desc("gpu_decoder_utilization_percent", "Per-device GPU decoder utilization", "gpu")
		for _, dev := range g.Devices {
			if dev.HasEncoder {
				gauge(ch, encD, dev.EncoderPct, dev.Name)
			}
			if dev.HasDecoder {
				gauge(ch, decD, dev.DecoderPct, dev.Name)
			}
		}
	}

	emitGPUProcesses(ch, g.Devices)
}

func emitGPUProcesses(ch chan<- prometheus.Metric, devices []snapshot.GPUDevice) {
	var any bool
	for _, d := range devices {
		if len(d.Processes) > 0 {
			any = true
			break
		}
	}
	if !any {
		return
	}
	utilD := desc("process_gpu_utilization_percent", "Per-process GPU utilization", "pid", "gpu")
	vramD := desc("process_gpu_memory_bytes", "Per-process GPU resident memory", "pid", "gpu")
	for _, d := range devices {
		for _, gp := range d.Processes {
			pid := strconv.Itoa(int(gp.PID))
			gauge(ch, utilD, gp.UtilPct, pid, d.Name)
			gauge(ch, vramD, float64(gp.VRAMBytes), pid, d.Name)
		}
	}
}

func emitThermal(ch chan<- prometheus.Metric, t snapshot.Thermal) {
	if len(t.Zones) == 0 {
		return
	}
	var maxTemp int64
	var maxFan uint64
	haveFan := false
	for _, z := range t.Zones {
		if z.TempMilliC > maxTemp {
			maxTemp = z.TempMilliC
		}
		if z.HasFan && z.FanRPM > maxFan {
			maxFan = z.FanRPM
			haveFan = true
		}
	}
	gauge(ch, desc("thermal_cpu_max_celsius", "Maximum observed CPU temperature"), float64(maxTemp)/1000.0)
	if haveFan {
		gauge(ch, desc("thermal_fan_rpm", "Maximum observed fan speed"), float64(maxFan))
	}
}

// emitSecurity runs the security evaluator against the snapshot and emits
// its findings as a per-severity count, rather than rendering each finding's
// text (that's the out-of-scope terminal renderer's job, not this reader's).
func emitSecurity(ch chan<- prometheus.Metric, s snapshot.Snapshot) {
	findings := security.Evaluate(&s)
	var info, caution, warning float64
	for _, f := range findings {
		switch f.Severity {
		case security.SeverityWarning:
			warning++
		case security.SeverityCaution:
			caution++
		default:
			info++
		}
	}
	d := desc("security_findings", "Count of current security findings by severity", "severity")
	gauge(ch, d, info, "info")
	gauge(ch, d, caution, "caution")
	gauge(ch, d, warning, "warning")
}

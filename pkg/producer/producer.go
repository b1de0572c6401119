// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package producer implements the single scheduling loop that drives every
// collector on its own cadence, composes the back snapshot buffer, and
// publishes it for readers. It is the one component in this pipeline that
// mutates collector state; everything downstream only ever reads a
// published snapshot.
package producer

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/arcspire/telemetryd/pkg/alerts"
	"github.com/arcspire/telemetryd/pkg/attributor"
	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/collectors"
	"github.com/arcspire/telemetryd/pkg/gpu"
	"github.com/arcspire/telemetryd/pkg/process"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// Config carries every tunable the producer needs to build its collectors
// and schedule them. Cadences default to the values below, which mirror
// the original pipeline's fixed per-collector periods.
type Config struct {
	ProcRoot string
	SysRoot  string
	Logger   logr.Logger

	MaxProcs   int
	EnrichTopN int

	AllowVendorGPUCLI bool

	AlertRules alerts.Rules

	CPUPeriod        time.Duration
	MemoryPeriod     time.Duration
	GPUPeriod        time.Duration
	NetworkPeriod    time.Duration
	DiskPeriod       time.Duration
	FilesystemPeriod time.Duration
	ProcessPeriod    time.Duration
	ThermalPeriod    time.Duration
	NVMLPeriod       time.Duration
	PublishPeriod    time.Duration
}

// DefaultConfig returns a Config with the cadences named in the pipeline's
// scheduling table and the given proc and sys roots.
func DefaultConfig(logger logr.Logger, procRoot, sysRoot string) Config {
	return Config{
		ProcRoot:   procRoot,
		SysRoot:    sysRoot,
		Logger:     logger,
		MaxProcs:   64,
		EnrichTopN: 16,
		AlertRules: alerts.DefaultRules(),

		CPUPeriod:        500 * time.Millisecond,
		MemoryPeriod:     500 * time.Millisecond,
		GPUPeriod:        1000 * time.Millisecond,
		NetworkPeriod:    1000 * time.Millisecond,
		DiskPeriod:       1000 * time.Millisecond,
		FilesystemPeriod: 1000 * time.Millisecond,
		ProcessPeriod:    1000 * time.Millisecond,
		ThermalPeriod:    2000 * time.Millisecond,
		NVMLPeriod:       1000 * time.Millisecond,
		PublishPeriod:    250 * time.Millisecond,
	}
}

// Producer owns every per-domain collector and the GPU attributor, and is
// the sole writer of the back snapshot buffer. It is not safe for
// concurrent use: Run must be called from a single dedicated goroutine, as
// every other reader of the pipeline (Prometheus, the log writer, the UI)
// only ever touches the front buffer via snapshot.BenchCopy.
type Producer struct {
	cfg     Config
	logger  logr.Logger
	buffers *snapshot.Buffers

	cpu     *collectors.CPUCollector
	mem     *collectors.MemoryCollector
	net     *collectors.NetworkCollector
	disk    *collectors.DiskCollector
	fs      *collectors.FilesystemCollector
	thermal *collectors.ThermalCollector
	gpu     *gpu.DeviceCollector
	proc    process.Collector
	attr    *attributor.Attributor
	engine  *alerts.Engine

	tickMS time.Duration
}

// New wires up every collector from cfg. It does not sample or publish
// anything; call Run to start the scheduling loop.
func New(cfg Config, buffers *snapshot.Buffers) *Producer {
	ccfg := collectors.Config{ProcRoot: cfg.ProcRoot, SysRoot: cfg.SysRoot, Logger: cfg.Logger}
	return &Producer{
		cfg:     cfg,
		logger:  cfg.Logger.WithName("producer"),
		buffers: buffers,

		cpu:     collectors.NewCPUCollector(ccfg),
		mem:     collectors.NewMemoryCollector(ccfg),
		net:     collectors.NewNetworkCollector(ccfg),
		disk:    collectors.NewDiskCollector(ccfg),
		fs:      collectors.NewFilesystemCollector(ccfg),
		thermal: collectors.NewThermalCollector(ccfg),
		gpu:     gpu.NewDeviceCollector(cfg.Logger, cfg.ProcRoot, cfg.SysRoot),
		proc:    process.Select(cfg.Logger, cfg.ProcRoot, cfg.MaxProcs, cfg.EnrichTopN),
		attr:    attributor.New(cfg.Logger, attributor.Config{AllowVendorCLI: cfg.AllowVendorGPUCLI, ProcRoot: cfg.ProcRoot}),
		engine:  alerts.New(cfg.AlertRules),

		tickMS: tickDuration(),
	}
}

// tickDuration derives the kernel's scheduling tick from sysconf(_SC_CLK_TCK),
// clamped to [4, 20]ms, matching the original's warm-up pacing so successive
// CPU/process samples are spaced far enough apart to produce a nonzero delta.
func tickDuration() time.Duration {
	hz, err := unix.Sysconf(unix.SC_CLK_TCK)
	t := 10
	if err == nil && hz > 0 {
		t = int(1000 / hz)
	}
	if t < 4 {
		t = 4
	}
	if t > 20 {
		t = 20
	}
	return time.Duration(t) * time.Millisecond
}

// Run drives the scheduling loop until ctx is canceled. It performs a
// warm-up burst, publishes once, then loops the steady-state schedule.
func (p *Producer) Run(ctx context.Context) {
	p.warmup(ctx)
	p.steadyState(ctx)
	p.gpu.Close()
	p.proc.Shutdown()
}

// warmup takes a short burst of closely-spaced samples so the first
// published snapshot already has non-zero rates, bounded to ~200ms of
// wall-clock time.
func (p *Producer) warmup(ctx context.Context) {
	s := p.buffers.Back()
	p.sampleAll(s)

	deadline := time.Now().Add(200 * time.Millisecond)
	for i := 0; i < 3 && ctx.Err() == nil; i++ {
		if !sleepUntil(ctx, minTime(deadline, time.Now().Add(p.tickMS))) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		_ = p.cpu.Sample(&s.CPU)
		if err := p.proc.Sample(&s.Procs); err != nil {
			p.logger.V(1).Info("process warm-up sample failed", "error", err)
		}
	}
	for i := 0; i < 2 && ctx.Err() == nil; i++ {
		nap := 60 * time.Millisecond
		if rem := time.Until(deadline); rem < nap {
			nap = rem
		}
		if nap <= 0 || !sleepUntil(ctx, time.Now().Add(nap)) {
			break
		}
		_ = p.net.Sample(&s.Network)
		_ = p.disk.Sample(&s.Disk)
	}
	_ = p.mem.Sample(&s.Memory)
	_ = p.thermal.Sample(&s.Thermal)
	_ = p.gpu.Sample(&s.GPU)

	p.finalize(s)
	p.buffers.Publish()
}

func (p *Producer) sampleAll(s *snapshot.Snapshot) {
	_ = p.cpu.Sample(&s.CPU)
	_ = p.mem.Sample(&s.Memory)
	_ = p.gpu.Sample(&s.GPU)
	_ = p.net.Sample(&s.Network)
	_ = p.disk.Sample(&s.Disk)
	_ = p.fs.Sample(&s.FS)
	if err := p.proc.Sample(&s.Procs); err != nil {
		p.logger.V(1).Info("process sample failed", "error", err)
	}
	_ = p.thermal.Sample(&s.Thermal)
}

// finalize runs the alert engine and fills churn diagnostics; called on
// every publish, warm-up or steady-state.
func (p *Producer) finalize(s *snapshot.Snapshot) {
	s.Alerts = p.engine.Evaluate(snapshot.Now(), s)
	s.Churn = snapshot.ChurnDiagnostics{
		Recent2sEvents: churn.RecentMS(2000),
		Recent2sProc:   churn.RecentKindMS(churn.Proc, 2000),
		Recent2sSys:    churn.RecentKindMS(churn.Sysfs, 2000),
	}
}

// steadyState loops until ctx is canceled, sampling each collector whose
// due-time has elapsed, then publishing if the publish cadence has elapsed
// or any collector ran this tick.
func (p *Producer) steadyState(ctx context.Context) {
	now := time.Now()
	due := map[string]time.Time{
		"cpu": now, "mem": now, "gpu": now, "net": now, "disk": now,
		"fs": now, "proc": now, "thermal": now, "nvml": now, "pub": now.Add(p.cfg.PublishPeriod),
	}

	for ctx.Err() == nil {
		now = time.Now()
		s := p.buffers.Back()
		ran := false

		if !now.Before(due["cpu"]) {
			_ = p.cpu.Sample(&s.CPU)
			due["cpu"] = now.Add(p.cfg.CPUPeriod)
			ran = true
		}
		if !now.Before(due["mem"]) {
			_ = p.mem.Sample(&s.Memory)
			due["mem"] = now.Add(p.cfg.MemoryPeriod)
			ran = true
		}
		if !now.Before(due["gpu"]) {
			_ = p.gpu.Sample(&s.GPU)
			due["gpu"] = now.Add(p.cfg.GPUPeriod)
			ran = true
		}
		if !now.Before(due["net"]) {
			_ = p.net.Sample(&s.Network)
			due["net"] = now.Add(p.cfg.NetworkPeriod)
			ran = true
		}
		if !now.Before(due["disk"]) {
			_ = p.disk.Sample(&s.Disk)
			due["disk"] = now.Add(p.cfg.DiskPeriod)
			ran = true
		}
		if !now.Before(due["fs"]) {
			_ = p.fs.Sample(&s.FS)
			due["fs"] = now.Add(p.cfg.FilesystemPeriod)
			ran = true
		}
		if !now.Before(due["proc"]) {
			if err := p.proc.Sample(&s.Procs); err != nil {
				p.logger.V(1).Info("process sample failed", "error", err)
			}
			due["proc"] = now.Add(p.cfg.ProcessPeriod)
			ran = true
		}
		if !now.Before(due["thermal"]) {
			_ = p.thermal.Sample(&s.Thermal)
			due["thermal"] = now.Add(p.cfg.ThermalPeriod)
			ran = true
		}

		timeToPublish := !now.Before(due["pub"])
		if timeToPublish {
			due["pub"] = now.Add(p.cfg.PublishPeriod)
		}
		nvmlDue := !now.Before(due["nvml"])

		if ran || timeToPublish || nvmlDue {
			p.finalize(s)
			if nvmlDue {
				p.attr.TrackPIDs(trackedPIDs(&s.Procs))
				p.attr.Sample(now, &s.GPU)
				due["nvml"] = now.Add(p.cfg.NVMLPeriod)
			}
			p.buffers.Publish()
		}

		nextDue := due["pub"]
		for _, t := range due {
			if t.Before(nextDue) {
				nextDue = t
			}
		}
		sleepFor := time.Until(nextDue)
		if sleepFor < 20*time.Millisecond {
			sleepFor = 20 * time.Millisecond
		}
		if sleepFor > 100*time.Millisecond {
			sleepFor = 100 * time.Millisecond
		}
		if !sleepUntil(ctx, time.Now().Add(sleepFor)) {
			return
		}
	}
}

// trackedPIDs returns the current top-K process table's pids so the GPU
// attributor's fdinfo fallback (pkg/attributor.Attributor.TrackPIDs) can
// scan fdinfo for exactly the pids already known to be worth sampling,
// instead of re-walking all of /proc itself.
func trackedPIDs(procs *snapshot.ProcessSnapshot) []int32 {
	pids := make([]int32, procs.RowCount)
	for i := 0; i < procs.RowCount; i++ {
		pids[i] = procs.Rows[i].PID
	}
	return pids
}

// sleepUntil blocks until deadline or ctx cancellation, returning false if
// it was canceled.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

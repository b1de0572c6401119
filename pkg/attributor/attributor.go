// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package attributor fuses whatever per-process GPU signal a host actually
// exposes - NVML's process-utilization samples, DRM fdinfo engine-busy
// counters, or nvidia-smi's pmon table - into one smoothed per-process
// utilization series per GPU device. Hosts rarely offer more than one of
// these cleanly, and the one that's available can still glitch sample to
// sample, so every raw reading passes through an EMA with a hold/decay
// window before it reaches the snapshot.
package attributor

import (
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

const (
	// emaAlpha weights the newest raw sample against the running smoothed
	// value: smoothed = alpha*raw + (1-alpha)*smoothed.
	emaAlpha = 0.5

	// holdWindow keeps a process's last nonzero utilization visible for a
	// beat after the signal disappears, so a GPU-bound process that the
	// sampler simply missed on one tick doesn't visibly flicker to zero.
	holdWindow = 3 * time.Second

	// decayWindow is how long a process that was genuinely running decays
	// linearly to zero after its last positive sample.
	decayWindow = 3 * time.Second

	// exitDecayWindow is the (shorter) decay applied to a process that was
	// never observed with nonzero utilization before it stopped appearing -
	// most often a process that opened a render node and exited without
	// ever submitting meaningful work.
	exitDecayWindow = 500 * time.Millisecond

	// nvmlLookbackNS is the window nvml.DeviceGetProcessUtilization is asked
	// to look back over; shorter than the sample period so two consecutive
	// calls don't double count the same kernel-side accounting window.
	nvmlLookbackNS = 200 * time.Millisecond

	// pruneAfter discards per-pid smoothing state that hasn't been touched
	// in this long, so long-dead pids don't accumulate forever.
	pruneAfter = 30 * time.Second
)

// Config gates the vendor-CLI fallback, which shells out to nvidia-smi and
// is both slow and unavailable in MIG mode.
type Config struct {
	AllowVendorCLI bool
	ProcRoot       string
}

type procState struct {
	smoothedPct float64
	lastRawPct  float64
	everRan     bool
	lastSeen    time.Time
	lastTouched time.Time
}

// Attributor holds the per-pid smoothing state across Sample calls; it is
// not safe for concurrent use, matching the single-producer model every
// other collector in this pipeline follows.
type Attributor struct {
	logger      logr.Logger
	cfg         Config
	limiter     *rate.Limiter
	state       map[stateKey]*procState
	lastFdinfo  map[int32]fdinfoSample
	trackedPIDs []int32
	lastScan    time.Time
}

type stateKey struct {
	device int
	pid    int32
}

func New(logger logr.Logger, cfg Config) *Attributor {
	return &Attributor{
		logger:     logger.WithName("gpu-attributor"),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 1),
		state:      make(map[stateKey]*procState),
		lastFdinfo: make(map[int32]fdinfoSample),
	}
}

// Sample fills in gpu.Devices[*].Processes in place, using whichever signal
// source the host supports, then applies EMA smoothing and hold/decay to
// every tracked pid before writing the displayed value back.
func (a *Attributor) Sample(now time.Time, out *snapshot.GPU) {
	running := make(map[int32]bool)
	sampled := 0
	for i := range out.Devices {
		dev := &out.Devices[i]
		nvmlOK := out.NVML.Available && !dev.MIGEnabled
		raw := a.rawSamples(now, nvmlOK, dev)
		dev.Processes = a.fuse(now, i, dev, raw)
		for _, r := range raw {
			sampled++
			if r.utilPct > 0 {
				running[r.pid] = true
			}
		}
	}
	out.NVML.RunningPIDs = len(running)
	out.NVML.SampledPIDs = sampled
	out.NVML.SampleAgeMs = 0
	a.prune(now)
}

type rawSample struct {
	pid        int32
	utilPct    float64
	vramBytes  uint64
	decodeOnly bool
	vramKnown  bool
}

// rawSamples produces one rawSample per pid observed on this device this
// tick, trying NVML per-process accounting first, then DRM fdinfo, then (if
// allowed and the device is not in MIG mode) nvidia-smi pmon.
func (a *Attributor) rawSamples(now time.Time, nvmlOK bool, dev *snapshot.GPUDevice) []rawSample {
	if nvmlOK {
		if samples, ok := a.sampleNVMLProcesses(dev); ok {
			return samples
		}
	}
	if samples, ok := a.sampleFdinfo(now, dev); ok {
		return samples
	}
	if a.cfg.AllowVendorCLI && !dev.MIGEnabled && a.limiter.Allow() {
		return a.sampleVendorCLI(dev)
	}
	return nil
}

func (a *Attributor) sampleNVMLProcesses(dev *snapshot.GPUDevice) ([]rawSample, bool) {
	handle, ret := nvml.DeviceGetHandleByIndex(dev.Index)
	if ret != nvml.SUCCESS {
		return nil, false
	}
	lookback := uint64(time.Now().Add(-nvmlLookbackNS).UnixMicro())
	util, ret := handle.GetProcessUtilization(lookback)
	if ret != nvml.SUCCESS || len(util) == 0 {
		return nil, false
	}

	mem := a.processMemory(handle)
	samples := make([]rawSample, 0, len(util))
	for _, u := range util {
		s := rawSample{
			pid:     int32(u.Pid),
			utilPct: float64(u.SmUtil),
		}
		if v, ok := mem[int32(u.Pid)]; ok {
			s.vramBytes = v
			s.vramKnown = true
		}
		samples = append(samples, s)
	}
	return samples, true
}

func (a *Attributor) processMemory(handle nvml.Device) map[int32]uint64 {
	out := make(map[int32]uint64)
	if procs, ret := handle.GetComputeRunningProcesses(); ret == nvml.SUCCESS {
		for _, p := range procs {
			out[int32(p.Pid)] = p.UsedGpuMemory
		}
	}
	if procs, ret := handle.GetGraphicsRunningProcesses(); ret == nvml.SUCCESS {
		for _, p := range procs {
			if _, ok := out[int32(p.Pid)]; !ok {
				out[int32(p.Pid)] = p.UsedGpuMemory
			}
		}
	}
	return out
}

// sampleFdinfo is the vendor-neutral fallback for Intel/AMD (and NVIDIA
// hosts where the per-process NVML call fails). It needs two samples to
// derive a rate, so the first call after a pid appears always reports zero.
func (a *Attributor) sampleFdinfo(now time.Time, dev *snapshot.GPUDevice) ([]rawSample, bool) {
	pids := a.candidatePIDs()
	if len(pids) == 0 {
		return nil, false
	}
	cur := scanFdinfo(a.cfg.ProcRoot, pids)
	if len(cur) == 0 {
		return nil, false
	}

	samples := make([]rawSample, 0, len(cur))
	elapsed := a.elapsedSinceLastFdinfo(now)
	for _, c := range cur {
		prev, hadPrev := a.lastFdinfo[c.pid]
		var ratio float64
		if hadPrev {
			ratio = busyRatio(prev, c, uint64(elapsed.Nanoseconds()))
		}
		samples = append(samples, rawSample{
			pid:        c.pid,
			utilPct:    ratio * 100,
			decodeOnly: c.decodeOnly,
		})
	}

	a.lastFdinfo = make(map[int32]fdinfoSample, len(cur))
	for _, c := range cur {
		a.lastFdinfo[c.pid] = c
	}
	samples = a.collapseDecodeOnlyDuplicates(samples)
	a.assignResidualVRAM(dev, samples)
	return samples, true
}

// collapseDecodeOnlyDuplicates handles the common case of a video player's
// decode session showing up under both the player process and a helper
// (sandboxed renderer, compositor) that merely holds the same render-node
// fd open. Since fdinfo can't tell the two pids apart by engine-busy alone,
// keep only the one chooseRepresentative would pick and merge the rest into
// it so the process table doesn't double count one decode session.
func (a *Attributor) collapseDecodeOnlyDuplicates(samples []rawSample) []rawSample {
	var decodeOnly []int32
	for _, s := range samples {
		if s.decodeOnly {
			decodeOnly = append(decodeOnly, s.pid)
		}
	}
	if len(decodeOnly) < 2 {
		return samples
	}
	cmdlines := make(map[int32]string, len(decodeOnly))
	for _, pid := range decodeOnly {
		cmdlines[pid] = readCmdline(a.cfg.ProcRoot, pid)
	}
	winner := chooseRepresentative(cmdlines)
	if winner < 0 {
		return samples
	}
	out := make([]rawSample, 0, len(samples))
	for _, s := range samples {
		if s.decodeOnly && s.pid != winner {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (a *Attributor) elapsedSinceLastFdinfo(now time.Time) time.Duration {
	if a.lastScan.IsZero() {
		a.lastScan = now
		return 0
	}
	d := now.Sub(a.lastScan)
	a.lastScan = now
	return d
}

// candidatePIDs is a placeholder seam: in production this is populated from
// the process snapshot's tracked pid set so fdinfo scanning doesn't have to
// re-walk all of /proc itself. Kept as a method so tests can stub it.
func (a *Attributor) candidatePIDs() []int32 {
	return a.trackedPIDs
}

// TrackPIDs lets the producer hand the attributor the current top-N pid set
// from the process collector, avoiding a redundant /proc walk here.
func (a *Attributor) TrackPIDs(pids []int32) {
	a.trackedPIDs = pids
}

// sampleVendorCLI runs `nvidia-smi pmon` as a last resort when neither NVML
// per-process accounting nor fdinfo produced anything. It is never run for
// a MIG-enabled device, and it is rate limited because it forks a process.
func (a *Attributor) sampleVendorCLI(dev *snapshot.GPUDevice) []rawSample {
	out, err := exec.Command("nvidia-smi", "pmon", "-c", "1", "-i", strconv.Itoa(dev.Index)).Output()
	if err != nil {
		return nil
	}
	var samples []rawSample
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			continue
		}
		sm, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			continue
		}
		samples = append(samples, rawSample{pid: int32(pid), utilPct: sm})
	}
	return samples
}

// assignResidualVRAM distributes a device's total used VRAM across
// processes proportionally to their utilization share when no backend
// reports per-process memory directly (the fdinfo path). The largest
// consumer absorbs whatever integer-division residual is left so the sum
// always equals the device total.
func (a *Attributor) assignResidualVRAM(dev *snapshot.GPUDevice, samples []rawSample) {
	if dev.MemUsedBytes == 0 || len(samples) == 0 {
		return
	}
	var totalUtil float64
	for _, s := range samples {
		totalUtil += s.utilPct
	}
	if totalUtil <= 0 {
		return
	}
	var assigned uint64
	maxIdx := 0
	for i := range samples {
		share := samples[i].utilPct / totalUtil
		v := uint64(share * float64(dev.MemUsedBytes))
		samples[i].vramBytes = v
		samples[i].vramKnown = true
		assigned += v
		if samples[i].utilPct > samples[maxIdx].utilPct {
			maxIdx = i
		}
	}
	if assigned < dev.MemUsedBytes {
		samples[maxIdx].vramBytes += dev.MemUsedBytes - assigned
	}
}

// fuse applies EMA smoothing and hold/decay to this tick's raw samples and
// returns the displayed per-process rows for the device, sorted by
// utilization descending. fuse does no pid merging of its own; duplicate
// decode-only pids are collapsed earlier, on the fdinfo path, by
// collapseDecodeOnlyDuplicates.
func (a *Attributor) fuse(now time.Time, deviceIdx int, dev *snapshot.GPUDevice, raw []rawSample) []snapshot.GPUProcess {
	seen := make(map[int32]bool, len(raw))
	rows := make([]snapshot.GPUProcess, 0, len(raw))

	for _, s := range raw {
		seen[s.pid] = true
		key := stateKey{device: deviceIdx, pid: s.pid}
		st, ok := a.state[key]
		if !ok {
			st = &procState{}
			a.state[key] = st
		}
		st.lastTouched = now
		st.lastRawPct = s.utilPct
		if s.utilPct > 0 {
			st.everRan = true
			st.lastSeen = now
		}
		st.smoothedPct = emaAlpha*s.utilPct + (1-emaAlpha)*st.smoothedPct

		rows = append(rows, snapshot.GPUProcess{
			PID:         s.pid,
			DeviceIndex: deviceIdx,
			UtilPct:     st.smoothedPct,
			VRAMBytes:   s.vramBytes,
			DecodeOnly:  s.decodeOnly,
		})
	}

	// Processes that vanished from this tick's raw set still decay visibly
	// instead of snapping to zero, distinguishing a real GPU workload that
	// just finished (decayWindow) from one that never really used the GPU
	// (exitDecayWindow).
	for key, st := range a.state {
		if key.device != deviceIdx || seen[key.pid] {
			continue
		}
		since := now.Sub(st.lastTouched)
		window := exitDecayWindow
		if st.everRan {
			window = holdWindow + decayWindow
		}
		if since >= window {
			continue
		}
		display := st.smoothedPct
		if st.everRan && since > holdWindow {
			frac := 1 - float64(since-holdWindow)/float64(decayWindow)
			display = st.smoothedPct * frac
		} else if !st.everRan {
			frac := 1 - float64(since)/float64(exitDecayWindow)
			display = st.smoothedPct * frac
		}
		if display < 0 {
			display = 0
		}
		rows = append(rows, snapshot.GPUProcess{
			PID:         key.pid,
			DeviceIndex: deviceIdx,
			UtilPct:     display,
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].UtilPct > rows[j].UtilPct })
	return rows
}

// chooseRepresentative picks which of several candidate pids should be
// credited with an ambiguous GPU workload, preferring a browser's dedicated
// GPU process or a display server over helper/renderer processes, mirroring
// how a human watching top/nvidia-smi would attribute the work.
func chooseRepresentative(cmdlines map[int32]string) int32 {
	var best int32 = -1
	bestRank := -1
	for pid, cmd := range cmdlines {
		rank := 0
		switch {
		case strings.Contains(cmd, "--type=gpu-process"):
			rank = 3
		case strings.HasSuffix(cmd, "Xorg") || strings.Contains(cmd, "/Xwayland"):
			rank = 2
		case strings.Contains(cmd, "--type=renderer"):
			rank = 1
		}
		if rank > bestRank {
			bestRank = rank
			best = pid
		}
	}
	return best
}

func (a *Attributor) prune(now time.Time) {
	for key, st := range a.state {
		if now.Sub(st.lastTouched) > pruneAfter {
			delete(a.state, key)
		}
	}
}


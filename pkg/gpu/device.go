// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package gpu collects per-device GPU identity and utilization, trying
// backends in preference order: NVML (NVIDIA's management library), the
// nvidia proc driver tree (kernel module present but no NVML shared
// library), and DRM sysfs (for non-NVIDIA devices or hosts without any
// NVIDIA driver at all). The nvidia-smi CLI is used only as a last-resort
// per-process fallback by pkg/attributor, not as a device-backend here.
package gpu

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/go-logr/logr"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// DeviceCollector samples per-device GPU state. NVML is attempted first;
// if nvml.Init fails (no driver, no GPU, sandboxed container), the
// collector falls back to the nvidia proc driver tree (a host with the
// kernel module loaded but no NVML shared library, common in minimal
// containers), then to DRM sysfs scanning so the pipeline still reports
// something on integrated/AMD/Intel graphics.
type DeviceCollector struct {
	logger   logr.Logger
	procRoot string
	sysRoot  string
	nvmlOK   bool
	nvmlInit bool
}

func NewDeviceCollector(logger logr.Logger, procRoot, sysRoot string) *DeviceCollector {
	return &DeviceCollector{logger: logger.WithName("gpu-device"), procRoot: procRoot, sysRoot: sysRoot}
}

// Close releases the NVML handle, if one was acquired.
func (c *DeviceCollector) Close() {
	if c.nvmlInit && c.nvmlOK {
		nvml.Shutdown()
	}
}

func (c *DeviceCollector) ensureNVML() {
	if c.nvmlInit {
		return
	}
	c.nvmlInit = true
	c.nvmlOK = nvml.Init() == nvml.SUCCESS
	if !c.nvmlOK {
		c.logger.V(1).Info("NVML unavailable, falling back to DRM sysfs")
	}
}

func (c *DeviceCollector) Sample(out *snapshot.GPU) error {
	c.ensureNVML()
	if c.nvmlOK {
		devices, err := c.sampleNVML()
		if err == nil {
			out.Devices = devices
			out.NVML.Available = true
			out.NVML.DeviceCount = len(devices)
			for _, d := range devices {
				if d.MIGEnabled {
					out.NVML.MIGEnabled = true
					break
				}
			}
			c.loadVersions(&out.NVML)
			return nil
		}
		c.logger.V(1).Info("NVML sample failed, falling back", "error", err)
	}
	out.NVML.Available = false
	if devices := c.sampleProcDriver(); len(devices) > 0 {
		out.Devices = devices
		return nil
	}
	out.Devices = c.sampleDRM()
	return nil
}

func (c *DeviceCollector) sampleNVML() ([]snapshot.GPUDevice, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errNVML(ret)
	}
	devices := make([]snapshot.GPUDevice, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		name, _ := dev.GetName()
		uuid, _ := dev.GetUUID()
		d := snapshot.GPUDevice{Index: i, Name: name, UUID: uuid}

		if util, ret := dev.GetUtilizationRates(); ret == nvml.SUCCESS {
			d.UtilizationPct = float64(util.Gpu)
			d.MemCtrlPct = float64(util.Memory)
			d.HasMemCtrl = true
		}
		if mode, _, ret := dev.GetMigMode(); ret == nvml.SUCCESS {
			d.MIGEnabled = mode == nvml.DEVICE_MIG_ENABLE
		}
		if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
			d.MemUsedBytes = mem.Used
			d.MemTotalBytes = mem.Total
		}
		if temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			d.TempMilliC = int64(temp) * 1000
			d.HasTemp = true
		}
		if fan, ret := dev.GetFanSpeed(); ret == nvml.SUCCESS {
			d.FanPct = float64(fan)
			d.HasFan = true
		}
		if power, ret := dev.GetPowerUsage(); ret == nvml.SUCCESS {
			d.PowerMilliW = uint64(power)
			d.HasPower = true
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (c *DeviceCollector) loadVersions(diag *snapshot.NVMLDiagnostics) {
	if diag.DriverVersion != "" && diag.NVMLVersion != "" {
		return
	}
	if v, ret := nvml.SystemGetDriverVersion(); ret == nvml.SUCCESS {
		diag.DriverVersion = v
	}
	if v, ret := nvml.SystemGetNVMLVersion(); ret == nvml.SUCCESS {
		diag.NVMLVersion = v
	}
	if diag.CUDAVersion == "" {
		diag.CUDAVersion = queryNvidiaSMI("cuda_version")
	}
}

// queryNvidiaSMI runs `nvidia-smi --query-gpu=<field> --format=csv,noheader`
// as a last-resort fallback when NVML doesn't expose a value directly
// (e.g. the CUDA driver version).
func queryNvidiaSMI(field string) string {
	out, err := exec.Command("nvidia-smi", "--query-gpu="+field, "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
}

// sampleDRM reads /sys/class/drm/cardN/device/* for vendor-neutral
// utilization and memory figures exposed by the in-tree i915/amdgpu
// drivers. Fields that aren't present (most discrete NVIDIA setups without
// nvidia-smi) are simply left at zero.
func (c *DeviceCollector) sampleDRM() []snapshot.GPUDevice {
	drmRoot := filepath.Join(c.sysRoot, "class", "drm")
	entries := drmCardDirs(drmRoot)
	devices := make([]snapshot.GPUDevice, 0, len(entries))
	for i, card := range entries {
		devDir := filepath.Join(drmRoot, card, "device")
		d := snapshot.GPUDevice{Index: i, Name: card}
		if v, ok := readUintFile(filepath.Join(devDir, "gpu_busy_percent")); ok {
			d.UtilizationPct = float64(v)
		}
		if v, ok := readUintFile(filepath.Join(devDir, "mem_info_vram_used")); ok {
			d.MemUsedBytes = v
		}
		if v, ok := readUintFile(filepath.Join(devDir, "mem_info_vram_total")); ok {
			d.MemTotalBytes = v
		}
		devices = append(devices, d)
	}
	return devices
}

func errNVML(ret nvml.Return) error {
	return &nvmlError{ret}
}

type nvmlError struct{ ret nvml.Return }

func (e *nvmlError) Error() string { return nvml.ErrorString(e.ret) }

func readUintFile(path string) (uint64, bool) {
	b, err := readFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

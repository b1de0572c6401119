// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Named = (*ThermalCollector)(nil)

// thresholdSuffixes are the per-sensor limit files read; the smallest value
// found across them for a given sensor is used as its warning threshold,
// matching the original collector's behavior of preferring whichever limit
// the hardware actually reports. Their order does not affect the result.
var thresholdSuffixes = []string{"_crit", "_max", "_emergency"}

// ThermalCollector scans /sys/class/hwmon for temperature and fan sensors,
// falling back to /sys/class/thermal/thermal_zone* when the hwmon scan
// yields no readable temperature input (a missing hwmon tree is common in
// VMs and some ARM boards).
type ThermalCollector struct {
	base
	hwmonRoot   string
	thermalRoot string
}

func NewThermalCollector(cfg Config) *ThermalCollector {
	return &ThermalCollector{
		base:        newBase("thermal", cfg),
		hwmonRoot:   filepath.Join(cfg.SysRoot, "class", "hwmon"),
		thermalRoot: filepath.Join(cfg.SysRoot, "class", "thermal"),
	}
}

func (c *ThermalCollector) Sample(out *snapshot.Thermal) error {
	zones := c.scanHwmon()
	if len(zones) == 0 {
		zones = c.scanThermalZones()
	}
	out.Zones = zones
	return nil
}

func (c *ThermalCollector) scanHwmon() []snapshot.ThermalZone {
	entries, err := os.ReadDir(c.hwmonRoot)
	if err != nil {
		return nil
	}

	var zones []snapshot.ThermalZone
	for _, e := range entries {
		dir := filepath.Join(c.hwmonRoot, e.Name())
		name := readNumberedFileString(filepath.Join(dir, "name"))
		if name == "" {
			name = e.Name()
		}

		tempFiles, _ := filepath.Glob(filepath.Join(dir, "temp*_input"))
		for _, tf := range tempFiles {
			milliC, ok := readNumberFile(tf)
			if !ok {
				churn.Note(churn.Sysfs)
				continue
			}
			base := strings.TrimSuffix(tf, "_input")
			warn := smallestThreshold(base)
			zones = append(zones, snapshot.ThermalZone{
				Name:       name,
				TempMilliC: milliC,
				WarnMilliC: warn,
			})
		}

		fanFiles, _ := filepath.Glob(filepath.Join(dir, "fan*_input"))
		if len(fanFiles) > 0 && len(zones) > 0 {
			maxRPM, maxBase := findMaxRPM(fanFiles)
			z := &zones[len(zones)-1]
			z.HasFan = true
			z.FanRPM = maxRPM
			if limit, ok := readNumberFile(strings.TrimSuffix(maxBase, "_input") + "_max"); ok {
				z.FanMaxRPM = uint64(limit)
			}
		}
	}
	return zones
}

func findMaxRPM(fanFiles []string) (uint64, string) {
	var max uint64
	var maxBase string
	for _, ff := range fanFiles {
		v, ok := readNumberFile(ff)
		if !ok {
			churn.Note(churn.Sysfs)
			continue
		}
		if v < 0 {
			continue
		}
		if uint64(v) > max {
			max = uint64(v)
			maxBase = ff
		}
	}
	return max, maxBase
}

func smallestThreshold(base string) int64 {
	var smallest int64 = -1
	for _, suffix := range thresholdSuffixes {
		v, ok := readNumberFile(base + suffix)
		if !ok {
			continue
		}
		if smallest == -1 || v < smallest {
			smallest = v
		}
	}
	if smallest == -1 {
		return 0
	}
	return smallest
}

func (c *ThermalCollector) scanThermalZones() []snapshot.ThermalZone {
	entries, err := os.ReadDir(c.thermalRoot)
	if err != nil {
		return nil
	}
	var zones []snapshot.ThermalZone
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "thermal_zone") {
			continue
		}
		dir := filepath.Join(c.thermalRoot, e.Name())
		temp, ok := readNumberFile(filepath.Join(dir, "temp"))
		if !ok {
			churn.Note(churn.Sysfs)
			continue
		}
		typ := readNumberedFileString(filepath.Join(dir, "type"))
		if typ == "" {
			typ = e.Name()
		}
		zones = append(zones, snapshot.ThermalZone{Name: typ, TempMilliC: temp})
	}
	return zones
}

func readNumberFile(path string) (int64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readNumberedFileString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

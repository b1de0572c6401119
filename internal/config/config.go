// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the on-disk TOML configuration, falling back to
// compiled defaults for anything absent from the file. The telemetry
// pipeline's options are typed here; [ui] and [keybinds]
// are parsed opaquely and handed to the (out-of-scope) renderer untouched.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Process selects and sizes the process collector (§4.3, §6).
type Process struct {
	Collector   string `toml:"collector"`    // auto | procfs | netlink | kernel
	MaxProcs    int    `toml:"max_procs"`    // process.max_procs
	EnrichTopN  int    `toml:"enrich_top_n"` // process.enrich_top_n
}

// Nvidia holds the [nvidia] table. Only PMON and Mem are consumed: either
// one enables the attributor's vendor-CLI fallback. DisableNVML, NVMLPath
// and SMIPath are loaded but not read anywhere in the pipeline.
type Nvidia struct {
	DisableNVML bool   `toml:"disable_nvml"`
	NVMLPath    string `toml:"nvml_path"`
	SMIPath     string `toml:"smi_path"`
	PMON        bool   `toml:"pmon"`
	Mem         bool   `toml:"mem"`
}

// Thresholds drives the alert engine (§4.5).
type Thresholds struct {
	CPUTotalHighPct float64 `toml:"cpu_total_high_pct"`
	MemHighPct      float64 `toml:"mem_high_pct"`
	TopProcCPUPct   float64 `toml:"top_proc_cpu_pct"`
	SustainSeconds  float64 `toml:"sustain_seconds"`
}

// Metrics configures the HTTP exposition endpoint, which is out of the
// core spec's scope but is the metrics server's only wiring surface.
type Metrics struct {
	ListenAddr string `toml:"listen_addr"`
}

// Log configures the hour-rotating Prometheus-text log chunker (§4.9).
type Log struct {
	Dir              string `toml:"dir"`
	IntervalSeconds  float64 `toml:"interval_seconds"`
}

// Config is the full on-disk configuration. UI and Keybinds are left as
// raw TOML trees: this pipeline never interprets them, it only loads and
// forwards them to whatever external renderer is wired up.
type Config struct {
	Process    Process            `toml:"process"`
	Nvidia     Nvidia             `toml:"nvidia"`
	Thresholds Thresholds         `toml:"thresholds"`
	Metrics    Metrics            `toml:"metrics"`
	Log        Log                `toml:"log"`
	UI         map[string]any     `toml:"ui"`
	Keybinds   map[string]string  `toml:"keybinds"`
}

// Default returns the compiled-in configuration, matching the original's
// struct-default values for every field this pipeline consumes.
func Default() Config {
	return Config{
		Process: Process{
			Collector:  "auto",
			MaxProcs:   256,
			EnrichTopN: 256,
		},
		Nvidia: Nvidia{
			SMIPath: "auto",
			PMON:    true,
			Mem:     true,
		},
		Thresholds: Thresholds{
			CPUTotalHighPct: 90.0,
			MemHighPct:      90.0,
			TopProcCPUPct:   80.0,
			SustainSeconds:  3.0,
		},
		Metrics: Metrics{
			ListenAddr: ":9090",
		},
		Log: Log{
			Dir:             "./montauk-logs",
			IntervalSeconds: 1.0,
		},
	}
}

// Load reads path as TOML over Default(), so a config file only needs to
// set the fields it wants to override. A missing file is not an error:
// the compiled defaults stand alone, matching a fresh install with no
// config file yet written.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Sustain converts the fractional-seconds TOML field to a time.Duration
// for the alert engine.
func (t Thresholds) Sustain() time.Duration {
	return time.Duration(t.SustainSeconds * float64(time.Second))
}

// LogInterval converts the fractional-seconds TOML field for the log
// chunker's sample cadence.
func (l Log) LogInterval() time.Duration {
	if l.IntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(l.IntervalSeconds * float64(time.Second))
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package alerts implements the sustained-threshold alert engine: a pure
// function of a snapshot plus a small amount of since-timestamp state for
// the two sustained rules (CPU total, memory used). The top-process rule
// has no sustain window and is evaluated fresh every call.
package alerts

import (
	"time"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// Rules carries the thresholds and hysteresis window every rule is
// evaluated against. Defaults mirror the original implementation's.
type Rules struct {
	CPUTotalHighPct float64
	MemHighPct      float64
	TopProcCPUPct   float64
	Sustain         time.Duration
}

// DefaultRules matches the original's AlertRules defaults.
func DefaultRules() Rules {
	return Rules{
		CPUTotalHighPct: 90.0,
		MemHighPct:      90.0,
		TopProcCPUPct:   80.0,
		Sustain:         3 * time.Second,
	}
}

// Engine holds the hysteresis state between Evaluate calls. It is not safe
// for concurrent use; the producer is the only caller.
type Engine struct {
	rules Rules

	cpuHighSince time.Time
	memHighSince time.Time
}

func New(rules Rules) *Engine {
	return &Engine{rules: rules}
}

// Evaluate inspects s and returns the alerts that should be visible this
// cycle. A condition that dips below its threshold resets its since-time
// immediately, so a single good sample clears a sustained alert.
func (e *Engine) Evaluate(now time.Time, s *snapshot.Snapshot) []snapshot.Alert {
	var out []snapshot.Alert

	if s.CPU.TotalUtilization >= e.rules.CPUTotalHighPct {
		if e.cpuHighSince.IsZero() {
			e.cpuHighSince = now
		}
		if now.Sub(e.cpuHighSince) >= e.rules.Sustain {
			out = append(out, snapshot.Alert{Severity: snapshot.AlertSeverityCritical, Message: "CPU total sustained high"})
		}
	} else {
		e.cpuHighSince = time.Time{}
	}

	if s.Memory.UsedPct >= e.rules.MemHighPct {
		if e.memHighSince.IsZero() {
			e.memHighSince = now
		}
		if now.Sub(e.memHighSince) >= e.rules.Sustain {
			out = append(out, snapshot.Alert{Severity: snapshot.AlertSeverityCritical, Message: "Memory usage sustained high"})
		}
	} else {
		e.memHighSince = time.Time{}
	}

	if s.Procs.RowCount > 0 && s.Procs.Rows[0].CPUPct >= e.rules.TopProcCPUPct {
		out = append(out, snapshot.Alert{Severity: snapshot.AlertSeverityWarning, Message: "Top process CPU high"})
	}

	return out
}

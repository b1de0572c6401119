// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collectors implements the per-domain point-in-time samplers that
// read kernel surfaces (/proc, /sys) and fill in one section of a
// snapshot.Snapshot. Each collector is cheap to call repeatedly from the
// producer's scheduling loop; none of them retain the snapshot they're
// passed beyond the call.
package collectors

import (
	"github.com/go-logr/logr"

	"github.com/arcspire/telemetryd/pkg/procfs"
)

// Named is implemented by every per-domain collector in this package. Each
// collector additionally exposes a Sample method scoped to the snapshot
// sub-struct it owns (e.g. Sample(ctx, *snapshot.CPU)), which is why there
// is no single Sampler interface here — the producer calls each collector's
// concrete Sample method directly, mirroring the original pipeline's
// cpu_.sample(s.cpu)-style per-domain calls.
type Named interface {
	Name() string
}

// Config carries the paths and logger every collector needs. It mirrors the
// teacher's CollectionConfig but is scoped to what this pipeline uses.
type Config struct {
	ProcRoot string
	SysRoot  string
	Logger   logr.Logger
}

// DefaultConfig resolves ProcRoot/SysRoot from the environment the way
// pkg/procfs does, for callers that haven't built a Config explicitly.
func DefaultConfig(logger logr.Logger) Config {
	return Config{
		ProcRoot: procfs.ProcRoot(),
		SysRoot:  procfs.SysRoot(),
		Logger:   logger,
	}
}

// base is embedded by every collector in this package for the shared
// logger-naming convention the teacher's BaseCollector establishes.
type base struct {
	name   string
	logger logr.Logger
	cfg    Config
}

func newBase(name string, cfg Config) base {
	return base{name: name, logger: cfg.Logger.WithName(name), cfg: cfg}
}

func (b base) Name() string { return b.name }

func (b base) Logger() logr.Logger { return b.logger }

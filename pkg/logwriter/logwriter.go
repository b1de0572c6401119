// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package logwriter implements the hour-rotating on-disk metrics log: a
// background task that copies the bounded snapshot at a fixed interval,
// renders it through the same Prometheus exposition path the HTTP
// endpoint uses, and appends it to an hour-named chunk file.
package logwriter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcspire/telemetryd/pkg/promexp"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// Prefix and Extension name the log chunk files: prefix_YYYY-MM-DD_HH.ext.
const (
	Prefix          = "montauk"
	Extension       = "prom"
	DefaultInterval = time.Second
)

// Writer copies the front snapshot buffer on a fixed cadence and appends
// its Prometheus rendering to the current hour's chunk file, rotating
// whenever the local wall-clock hour changes.
type Writer struct {
	logger   logr.Logger
	buffers  *snapshot.Buffers
	dir      string
	interval time.Duration

	file        *os.File
	currentPath string
}

func New(logger logr.Logger, buffers *snapshot.Buffers, dir string, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{logger: logger.WithName("logwriter"), buffers: buffers, dir: dir, interval: interval}
}

// Run blocks until ctx is canceled, writing one chunk per tick. It refuses
// to write anything until the producer has published at least once, so a
// restart never persists an all-zeros cold-start block.
func (w *Writer) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("logwriter: create %s: %w", w.dir, err)
	}
	w.logger.Info("writing metrics log", "dir", w.dir, "interval", w.interval)
	defer w.close()

	for w.buffers.Front().Seq == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.writeChunk()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Writer) writeChunk() {
	path := chunkPath(w.dir, time.Now())
	if path != w.currentPath {
		w.close()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.logger.Error(err, "failed to open log chunk", "path", path)
			return
		}
		w.file, w.currentPath = f, path
	}
	if w.file == nil {
		return
	}

	var s snapshot.Snapshot
	snapshot.BenchCopy(w.buffers, &s)

	if _, err := fmt.Fprintf(w.file, "# %s_scrape_timestamp_ms %d\n", Prefix, time.Now().UnixMilli()); err != nil {
		w.logger.Error(err, "failed to write log header")
		return
	}
	body, err := renderPrometheus(s)
	if err != nil {
		w.logger.Error(err, "failed to render metrics body")
		return
	}
	if _, err := w.file.Write(body); err != nil {
		w.logger.Error(err, "failed to write log body")
		return
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Error(err, "failed to flush log chunk")
	}
}

func (w *Writer) close() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
		w.currentPath = ""
	}
}

func chunkPath(dir string, t time.Time) string {
	t = t.Local()
	name := fmt.Sprintf("%s_%04d-%02d-%02d_%02d.%s", Prefix, t.Year(), t.Month(), t.Day(), t.Hour(), Extension)
	return filepath.Join(dir, name)
}

// renderPrometheus produces the same body the /metrics HTTP endpoint
// serves, by driving promhttp's handler against an in-memory recorder
// rather than duplicating its text-exposition formatting.
func renderPrometheus(s snapshot.Snapshot) ([]byte, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(promexp.New(func() snapshot.Snapshot { return s })); err != nil {
		return nil, err
	}
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.Bytes(), nil
}

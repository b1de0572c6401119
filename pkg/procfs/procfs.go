// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package procfs centralizes the low-level file reads every collector does
// against /proc and /sys, including the environment overrides that let
// tests point collectors at a fixture tree instead of the real kernel
// surfaces.
package procfs

import (
	"io"
	"os"

	"github.com/arcspire/telemetryd/pkg/churn"
)

// Root environment variable names. A single consistent pair, unlike the
// mixed naming this pipeline's design documents were distilled from.
const (
	ProcRootEnv = "TELEMETRYD_PROC_ROOT"
	SysRootEnv  = "TELEMETRYD_SYS_ROOT"
)

// ProcRoot returns the root of the /proc mount to read from, honoring
// TELEMETRYD_PROC_ROOT for tests.
func ProcRoot() string {
	if v := os.Getenv(ProcRootEnv); v != "" {
		return v
	}
	return "/proc"
}

// SysRoot returns the root of the /sys mount to read from, honoring
// TELEMETRYD_SYS_ROOT for tests.
func SysRoot() string {
	if v := os.Getenv(SysRootEnv); v != "" {
		return v
	}
	return "/sys"
}

// ReadFileString reads the whole file at path and returns its contents, or
// ok=false if the file could not be opened. A failure to open (file does
// not exist, e.g. the process already exited) is not churn — only a
// failure to *read* after a successful open is, since it indicates the
// kernel surface vanished mid-operation.
func ReadFileString(path string) (s string, ok bool) {
	b, ok := ReadFileBytes(path)
	if !ok {
		return "", false
	}
	return string(b), true
}

// ReadFileBytes is ReadFileString without the string conversion, for
// binary-ish files like /proc/<pid>/cmdline.
func ReadFileBytes(path string) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		churn.Note(kindFor(path))
		return nil, false
	}
	return b, true
}

// ReadSymlink resolves path as a symlink (e.g. /proc/<pid>/exe) and returns
// its target, or ok=false if it could not be read.
func ReadSymlink(path string) (target string, ok bool) {
	t, err := os.Readlink(path)
	if err != nil {
		return "", false
	}
	return t, true
}

// ListDir returns the names of entries directly inside dir, or nil if the
// directory could not be opened. Unlike file reads, a failed opendir is not
// noted as churn: a missing /proc/<pid> subdirectory during a directory
// scan is the expected steady-state case, not a race worth counting.
func ListDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func kindFor(path string) churn.Kind {
	if len(path) >= len(SysRoot()) && path[:len(SysRoot())] == SysRoot() {
		return churn.Sysfs
	}
	return churn.Proc
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Named = (*FilesystemCollector)(nil)

// FilesystemCollector reads /proc/mounts for the mount table and statfs(2)
// for each mount's usage. Pseudo filesystems (proc, sysfs, cgroup, every
// tmpfs, overlay, etc.) are skipped since their usage figures aren't
// meaningful capacity signals.
type FilesystemCollector struct {
	base
	mountsPath string
}

var skipFSTypes = map[string]bool{
	"proc": true, "sysfs": true, "cgroup": true, "cgroup2": true,
	"devtmpfs": true, "devpts": true, "tmpfs": true, "securityfs": true,
	"pstore": true, "bpf": true, "tracefs": true, "debugfs": true,
	"mqueue": true, "hugetlbfs": true, "overlay": true, "squashfs": true,
}

func NewFilesystemCollector(cfg Config) *FilesystemCollector {
	return &FilesystemCollector{
		base:       newBase("filesystem", cfg),
		mountsPath: filepath.Join(cfg.ProcRoot, "mounts"),
	}
}

func (c *FilesystemCollector) Sample(out *snapshot.Filesystem) error {
	f, err := os.Open(c.mountsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var mounts []snapshot.FilesystemMount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		device, mountPoint, fsType := fields[0], fields[1], fields[2]
		if skipFSTypes[fsType] {
			continue
		}

		var st unix.Statfs_t
		if err := unix.Statfs(mountPoint, &st); err != nil {
			c.Logger().V(2).Info("statfs failed", "mount", mountPoint, "error", err)
			continue
		}
		total := st.Blocks * uint64(st.Bsize)
		free := st.Bfree * uint64(st.Bsize)
		m := snapshot.FilesystemMount{
			MountPoint: mountPoint,
			Device:     device,
			FSType:     fsType,
			TotalBytes: total,
			FreeBytes:  free,
		}
		if total > 0 {
			m.UsedPct = 100 * float64(total-free) / float64(total)
		}
		mounts = append(mounts, m)
	}
	if err := scanner.Err(); err != nil {
		churn.Note(churn.Proc)
		return err
	}
	out.Mounts = mounts
	return nil
}

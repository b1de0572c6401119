// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/errors"
	"github.com/arcspire/telemetryd/pkg/procfs"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Collector = (*Scanner)(nil)

// Scanner walks /proc on every Sample call, the simplest and most portable
// process-table collector variant. It always succeeds Init and needs no
// special privilege.
type Scanner struct {
	logger     logr.Logger
	procRoot   string
	maxProcs   int
	enrichTopN int

	ncpu         int
	lastCPUTotal uint64
	lastPerProc  map[int32]uint64
	haveLast     bool
}

func NewScanner(logger logr.Logger, procRoot string, maxProcs, enrichTopN int) *Scanner {
	return &Scanner{
		logger:      logger.WithName("process-scanner"),
		procRoot:    procRoot,
		maxProcs:    maxProcs,
		enrichTopN:  enrichTopN,
		lastPerProc: make(map[int32]uint64),
	}
}

func (s *Scanner) Init() bool   { return true }
func (s *Scanner) Shutdown()    {}

func (s *Scanner) Sample(out *snapshot.ProcessSnapshot) error {
	cpuTotal := readCPUTotal(s.procRoot)
	if s.ncpu == 0 {
		s.ncpu = readCPUCount(s.procRoot)
	}

	if txt, ok := procfs.ReadFileString(filepath.Join(s.procRoot, "sys", "kernel", "threads-max")); ok {
		if v, err := strconv.ParseUint(strings.TrimSpace(txt), 10, 64); err == nil {
			out.ThreadsMax = v
		}
	}

	var rows []snapshot.Process
	var churned int
	out.StateRunning, out.StateSleeping, out.StateZombie = 0, 0, 0

	for _, name := range procfs.ListDir(s.procRoot) {
		pid, err := strconv.ParseInt(name, 10, 32)
		if err != nil {
			continue
		}
		statPath := filepath.Join(s.procRoot, name, "stat")
		content, ok := procfs.ReadFileString(statPath)
		if !ok {
			churn.Note(churn.Proc)
			churned++
			rows = append(rows, snapshot.Process{PID: int32(pid), Comm: name, ChurnReason: snapshot.ChurnReasonReadFailed})
			continue
		}
		state, ppid, utime, stime, rssPages, comm, ok := parseStat(content)
		if !ok {
			churn.Note(churn.Proc)
			churned++
			if comm == "" {
				comm = name
			}
			rows = append(rows, snapshot.Process{PID: int32(pid), Comm: comm, ChurnReason: snapshot.ChurnReasonReadFailed})
			continue
		}

		total := utime + stime
		var cpuPct float64
		if s.haveLast {
			last := s.lastPerProc[int32(pid)]
			dp := diffU64(total, last)
			dt := diffU64(cpuTotal, s.lastCPUTotal)
			if dt > 0 {
				cpuPct = 100 * float64(dp) / float64(dt) * float64(s.ncpu)
			}
		}

		row := snapshot.Process{
			PID:       int32(pid),
			PPID:      ppid,
			Comm:      comm,
			State:     state,
			UTime:     utime,
			STime:     stime,
			TotalTime: total,
			CPUPct:    cpuPct,
			RSSBytes:  uint64(max0i(rssPages, 0)) * 4096,
			ExePath:   readExePath(s.procRoot, int32(pid)),
		}
		switch state {
		case 'R':
			out.StateRunning++
		case 'S', 'D':
			out.StateSleeping++
		case 'Z':
			out.StateZombie++
		}
		rows = append(rows, row)
	}

	out.TotalProcesses = len(rows)
	out.RunningProcesses = out.StateRunning

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CPUPct != rows[j].CPUPct {
			return rows[i].CPUPct > rows[j].CPUPct
		}
		return rows[i].PID < rows[j].PID
	})
	if len(rows) > s.maxProcs {
		rows = rows[:s.maxProcs]
	}
	out.TrackedCount = len(rows)

	enrichN := s.enrichTopN
	if enrichN > len(rows) {
		enrichN = len(rows)
	}
	out.EnrichedCount = enrichN
	out.TotalThreads = 0
	for i := 0; i < enrichN; i++ {
		if cmd := readCmdline(s.procRoot, rows[i].PID); cmd != "" {
			rows[i].Cmdline = cmd
		}
		info := infoFromStatus(s.procRoot, rows[i].PID)
		if info.user != "" {
			rows[i].User = info.user
		}
		out.TotalThreads += uint64(info.threadCount)
	}
	if len(rows) > enrichN {
		out.TotalThreads += uint64(len(rows) - enrichN)
	}

	out.RowCount = copy(out.Rows[:], rows)

	s.lastPerProc = make(map[int32]uint64, len(rows))
	for _, r := range rows {
		s.lastPerProc[r.PID] = r.TotalTime
	}
	s.lastCPUTotal = cpuTotal
	s.haveLast = true
	if churned > 0 {
		// Individual rows still carry a churn reason and are emitted; this
		// error is advisory only, so callers log it rather than discard the
		// sample.
		return errors.NewRetryable(fmt.Sprintf("%d process rows unreadable this cycle", churned))
	}
	return nil
}

func diffU64(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func max0i(v int64, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package security implements the security evaluator: a pure function of a
// snapshot that flags processes and network activity matching a fixed
// catalogue of suspicious patterns (root execs from writable directories,
// fake kernel threads, curl-piped-to-shell, auth crashloops, possible
// exfiltration). It holds no state across calls and performs no I/O.
package security

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// Severity ranks a finding; higher is more urgent. Distinct from
// snapshot.AlertSeverity because the original catalogue has a three-way
// "info/caution/warning" spread that doesn't map cleanly onto the alert
// engine's info/warning/critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityCaution
	SeverityWarning
)

// Finding is one flagged process or network pattern.
type Finding struct {
	Severity Severity
	Subject  string
	Reason   string
}

// MaxFindings bounds the result of Evaluate regardless of how many
// processes match, so a pathological snapshot can't make a reader do
// unbounded work.
const MaxFindings = 100

var writablePrefixes = []string{"/tmp/", "/var/tmp/", "/dev/shm/", "/run/user/", "/home/"}

// Evaluate inspects s and returns its findings, sorted by severity
// descending (stable, so same-severity findings keep process order).
func Evaluate(s *snapshot.Snapshot) []Finding {
	var findings []Finding
	flagged := make(map[int32]bool)

	add := func(sev Severity, subject, reason string) {
		if len(findings) < MaxFindings {
			findings = append(findings, Finding{Severity: sev, Subject: subject, Reason: reason})
		}
	}

	rows := s.Procs.Rows[:s.Procs.RowCount]
	for _, p := range rows {
		if flagged[p.PID] {
			continue
		}
		cmd := p.Cmdline
		if cmd == "" {
			cmd = p.Comm
		}
		exeClean := stripDeletedSuffix(p.ExePath)
		isRoot := p.User == "root"

		if isRoot && exeClean != "" {
			if pref, ok := matchWritablePrefix(exeClean); ok {
				reason := "root exec in " + strings.TrimSuffix(pref, "/")
				add(SeverityWarning, subject(p, exeClean), reason)
				flagged[p.PID] = true
				continue
			}
		}

		if len(cmd) >= 2 && cmd[0] == '[' && cmd[len(cmd)-1] == ']' && exeClean != "" {
			add(SeverityWarning, subject(p, cmd), "fake kernel thread")
			flagged[p.PID] = true
			continue
		}

		cmdLower := toLowerCopy(cmd, 512)
		hasCurl := strings.Contains(cmdLower, "curl") || strings.Contains(cmdLower, "wget")
		hasPipeBash := strings.Contains(cmdLower, "| bash") || strings.Contains(cmdLower, "|sh")
		if hasCurl && hasPipeBash {
			add(SeverityCaution, subject(p, cmd), "script download")
			flagged[p.PID] = true
			continue
		}

		if strings.Contains(cmdLower, "python") && strings.Contains(cmdLower, ".py") &&
			(strings.Contains(cmdLower, "/home/") || strings.Contains(cmdLower, "~")) {
			add(SeverityCaution, subject(p, cmd), "home script")
			flagged[p.PID] = true
			continue
		}

		if fields := strings.Fields(cmd); len(fields) > 0 {
			first := toLowerCopy(fields[0], 512)
			if isShell(first) {
				for _, arg := range fields[1:] {
					clean := trimQuotes(arg)
					if _, ok := matchWritablePrefix(clean); ok {
						add(SeverityWarning, subject(p, cmd), "TMP SHELL SCRIPT")
						flagged[p.PID] = true
						break
					}
				}
			}
		}
	}

	if s.Churn.Recent2sEvents >= 3 {
		for _, p := range rows {
			if flagged[p.PID] || p.ChurnReason == "" {
				continue
			}
			cmd := p.Cmdline
			if cmd == "" {
				cmd = p.Comm
			}
			cmdLower := toLowerCopy(cmd, 512)
			if strings.Contains(cmdLower, "ssh") || strings.Contains(cmdLower, "sudo") ||
				strings.Contains(cmdLower, "login") || strings.Contains(cmdLower, "pam") {
				user := p.User
				if user == "" {
					user = "?"
				}
				subj := fmt.Sprintf("PID %d %s %s • %d events/2s", p.PID, user, cmd, s.Churn.Recent2sEvents)
				add(SeverityWarning, subj, "auth crashloop")
				flagged[p.PID] = true
			}
		}
	}

	var bestRate float64
	var bestIface *snapshot.NetworkInterface
	for i := range s.Network.Interfaces {
		iface := &s.Network.Interfaces[i]
		if iface.RxBytesPerSec > bestRate {
			bestRate, bestIface = iface.RxBytesPerSec, iface
		}
		if iface.TxBytesPerSec > bestRate {
			bestRate, bestIface = iface.TxBytesPerSec, iface
		}
	}
	if bestIface != nil && bestRate > 500.0*1024.0 {
		hasOwner := false
		check := rows
		if len(check) > 64 {
			check = check[:64]
		}
		for _, p := range check {
			if p.ChurnReason != "" {
				continue
			}
			if p.CPUPct >= 2.0 {
				hasOwner = true
				break
			}
			cmd := toLowerCopy(p.Cmdline, 512)
			if cmd == "" {
				cmd = toLowerCopy(p.Comm, 512)
			}
			for _, owner := range []string{"ssh", "chrome", "firefox", "rsync", "scp", "curl", "wget"} {
				if strings.Contains(cmd, owner) {
					hasOwner = true
					break
				}
			}
			if hasOwner {
				break
			}
		}
		if !hasOwner {
			subj := "NET " + bestIface.Name + " " + formatRateBytes(bestRate) + " no owner"
			add(SeverityCaution, subj, "possible exfil")
		}
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Severity > findings[j].Severity })
	return findings
}

func subject(p snapshot.Process, extra string) string {
	user := p.User
	if user == "" {
		user = "?"
	}
	return fmt.Sprintf("PID %d %s %s", p.PID, user, extra)
}

func toLowerCopy(s string, maxLen int) string {
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ToLower(s)
}

func stripDeletedSuffix(path string) string {
	if idx := strings.Index(path, " (deleted)"); idx >= 0 {
		return path[:idx]
	}
	return path
}

func matchWritablePrefix(path string) (string, bool) {
	for _, pref := range writablePrefixes {
		if hasPathPrefix(path, pref) {
			return pref, true
		}
	}
	return "", false
}

func hasPathPrefix(path, prefix string) bool {
	if strings.HasPrefix(path, prefix) {
		return true
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	return trimmed != "" && path == trimmed
}

func isShell(cmd string) bool {
	switch cmd {
	case "sh", "/bin/sh", "/usr/bin/sh", "bash", "/bin/bash", "/usr/bin/bash":
		return true
	}
	if strings.HasSuffix(cmd, "/sh") || strings.HasSuffix(cmd, "/bash") {
		return true
	}
	return false
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' || s[0] == '\'') && s[0] == s[len(s)-1] {
			return s[1 : len(s)-1]
		}
	}
	if len(s) > 0 && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if len(s) > 0 && (s[len(s)-1] == '"' || s[len(s)-1] == '\'') {
		s = s[:len(s)-1]
	}
	return s
}

func formatRateBytes(bytesPerSec float64) string {
	if bytesPerSec >= 1024.0*1024.0 {
		mb := int(bytesPerSec/(1024.0*1024.0) + 0.5)
		return strconv.Itoa(mb) + "MB/s"
	}
	kb := int(bytesPerSec/1024.0 + 0.5)
	if kb < 1 {
		kb = 1
	}
	return strconv.Itoa(kb) + "KB/s"
}

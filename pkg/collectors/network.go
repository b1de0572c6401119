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
	"strconv"
	"strings"
	"time"

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Named = (*NetworkCollector)(nil)

// NetworkCollector reads /proc/net/dev and derives byte-per-second rates
// from the delta against the previous sample.
type NetworkCollector struct {
	base
	path string

	lastAt    time.Time
	lastBytes map[string][2]uint64 // rx, tx
}

func NewNetworkCollector(cfg Config) *NetworkCollector {
	return &NetworkCollector{
		base:      newBase("network", cfg),
		path:      filepath.Join(cfg.ProcRoot, "net", "dev"),
		lastBytes: make(map[string][2]uint64),
	}
}

// excludedInterfacePrefixes names the loopback and virtual-bridge-family
// interfaces this collector skips; none of them represent physical or
// routable host network capacity.
var excludedInterfacePrefixes = []string{"lo", "veth", "docker", "br-", "virbr"}

func excludedInterface(name string) bool {
	for _, p := range excludedInterfacePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (c *NetworkCollector) Sample(out *snapshot.Network) error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	now := time.Now()
	var elapsed float64
	if !c.lastAt.IsZero() {
		elapsed = now.Sub(c.lastAt).Seconds()
	}

	var ifaces []snapshot.NetworkInterface
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		line := scanner.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		if excludedInterface(name) {
			continue
		}
		fields := strings.Fields(line[colon+1:])
		if len(fields) < 16 {
			continue
		}
		rx, _ := strconv.ParseUint(fields[0], 10, 64)
		rxErr, _ := strconv.ParseUint(fields[2], 10, 64)
		tx, _ := strconv.ParseUint(fields[8], 10, 64)
		txErr, _ := strconv.ParseUint(fields[10], 10, 64)

		ni := snapshot.NetworkInterface{Name: name, RxBytes: rx, TxBytes: tx, RxErrors: rxErr, TxErrors: txErr}
		if prev, ok := c.lastBytes[name]; ok && elapsed > 0 {
			ni.RxBytesPerSec = float64(diff(rx, prev[0])) / elapsed
			ni.TxBytesPerSec = float64(diff(tx, prev[1])) / elapsed
		}
		c.lastBytes[name] = [2]uint64{rx, tx}
		ifaces = append(ifaces, ni)
	}
	if err := scanner.Err(); err != nil {
		churn.Note(churn.Proc)
		return err
	}
	c.lastAt = now
	out.Interfaces = ifaces
	return nil
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/arcspire/telemetryd/pkg/procfs"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Collector = (*NetlinkCollector)(nil)

// cn_proc wire constants, see linux/connector.h and linux/cn_proc.h.
const (
	cnIdxProc        = 0x1
	cnValProc        = 0x1
	procCNMcastListen = 1
	procCNMcastIgnore = 2
	procEventFork     = 0x00000001
	procEventExec     = 0x00000002
	procEventExit     = 0x80000000
)

// NetlinkCollector subscribes to the kernel's process-events connector
// (CONNECTOR/cn_proc) and keeps active/hot pid sets from fork, exec and
// exit events. Sample does not use those sets: it runs the embedded
// Scanner's full /proc scan every tick. Requires CAP_NET_ADMIN; Init returns false
// if the socket can't be created or bound, letting the caller fall back to
// the plain scanner.
type NetlinkCollector struct {
	Scanner // reuse parseStat/cmdline/status parsing and sample bookkeeping

	fd int

	mu         sync.Mutex
	activePIDs map[int32]struct{}
	hotPIDs    map[int32]struct{}
	running    bool
	stopCh     chan struct{}
}

func NewNetlinkCollector(logger logr.Logger, procRoot string, maxProcs, enrichTopN int) *NetlinkCollector {
	return &NetlinkCollector{
		Scanner:    *NewScanner(logger.WithName("process-netlink"), procRoot, maxProcs, enrichTopN),
		fd:         -1,
		activePIDs: make(map[int32]struct{}),
		hotPIDs:    make(map[int32]struct{}),
	}
}

func (n *NetlinkCollector) Init() bool {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR)
	if err != nil {
		return false
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc, Pid: uint32(unix.Getpid())}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return false
	}
	n.fd = fd

	if err := n.sendControl(procCNMcastListen); err != nil {
		unix.Close(fd)
		n.fd = -1
		return false
	}

	for _, name := range procfs.ListDir(n.procRoot) {
		if pid, err := parsePIDName(name); err == nil {
			n.activePIDs[pid] = struct{}{}
		}
	}

	n.running = true
	n.stopCh = make(chan struct{})
	go n.eventLoop()
	return true
}

func (n *NetlinkCollector) Shutdown() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	fd := n.fd
	n.fd = -1
	n.mu.Unlock()

	if fd >= 0 {
		_ = n.sendControlOnFD(fd, procCNMcastIgnore)
		unix.Shutdown(fd, unix.SHUT_RDWR)
		unix.Close(fd)
	}
	<-n.stopCh
}

// eventLoop reads cn_proc netlink messages and updates the active/hot pid
// sets. A Recvfrom error while still running means the socket died under
// us (not a clean Shutdown, which closes it with n.running already
// false); eventLoop tries to rebuild the socket with backoff before
// giving up, rather than silently leaving the active-PID set to go
// stale for the rest of the process lifetime.
func (n *NetlinkCollector) eventLoop() {
	defer close(n.stopCh)
	buf := make([]byte, 4096)
	for {
		n.mu.Lock()
		fd := n.fd
		n.mu.Unlock()
		if fd < 0 {
			return
		}

		count, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if !n.reconnect() {
				return
			}
			continue
		}
		msgs, err := unix.ParseNetlinkMessage(buf[:count])
		if err != nil {
			continue
		}
		for _, m := range msgs {
			n.handleMessage(m.Data)
		}
	}
}

// reconnect rebuilds the connector socket with exponential backoff,
// bailing out as soon as Shutdown clears n.running. Returns false when
// the collector should stop for good.
func (n *NetlinkCollector) reconnect() bool {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return false
	}

	_, err := backoff.Retry(context.Background(), func() (bool, error) {
		n.mu.Lock()
		if !n.running {
			n.mu.Unlock()
			return false, nil
		}
		n.mu.Unlock()

		fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR)
		if err != nil {
			return false, err
		}
		addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc, Pid: uint32(unix.Getpid())}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return false, err
		}
		if err := n.sendControlOnFD(fd, procCNMcastListen); err != nil {
			unix.Close(fd)
			return false, err
		}

		n.mu.Lock()
		n.fd = fd
		n.mu.Unlock()
		return true, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))

	return err == nil
}

// handleMessage parses a cn_msg payload carrying a proc_event and updates
// the active-PID and hot-PID sets accordingly. Offsets follow struct
// cn_msg { id; seq; ack; len; data[] } followed by struct proc_event
// { what; cpu; timestamp_ns; union{...} }.
func (n *NetlinkCollector) handleMessage(data []byte) {
	const cnMsgHeaderLen = 20 // id(8) + seq(4) + ack(4) + len(2) + flags(2)
	if len(data) < cnMsgHeaderLen+16 {
		return
	}
	event := data[cnMsgHeaderLen:]
	what := binary.LittleEndian.Uint32(event[0:4])

	n.mu.Lock()
	defer n.mu.Unlock()
	switch what {
	case procEventFork:
		// fork union: parent_pid, parent_tgid, child_pid, child_tgid
		if len(event) < 16+12 {
			return
		}
		childPID := int32(binary.LittleEndian.Uint32(event[16+8:]))
		n.activePIDs[childPID] = struct{}{}
		n.hotPIDs[childPID] = struct{}{}
	case procEventExec:
		if len(event) < 16+4 {
			return
		}
		pid := int32(binary.LittleEndian.Uint32(event[16:]))
		n.hotPIDs[pid] = struct{}{}
	case procEventExit:
		if len(event) < 16+4 {
			return
		}
		pid := int32(binary.LittleEndian.Uint32(event[16:]))
		delete(n.activePIDs, pid)
		delete(n.hotPIDs, pid)
	}
}

func (n *NetlinkCollector) sendControl(op uint32) error {
	return n.sendControlOnFD(n.fd, op)
}

func (n *NetlinkCollector) sendControlOnFD(fd int, op uint32) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, op)
	msg := buildCNMsg(cnIdxProc, cnValProc, payload)
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	return unix.Sendto(fd, msg, 0, sa)
}

// buildCNMsg wraps payload in an nlmsghdr + cn_msg envelope addressed to
// the given connector idx/val.
func buildCNMsg(idx, val uint32, payload []byte) []byte {
	const nlHeaderLen = 16
	const cnMsgLen = 20
	total := nlHeaderLen + cnMsgLen + len(payload)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], unix.NLMSG_DONE)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(unix.Getpid()))

	cn := buf[nlHeaderLen:]
	binary.LittleEndian.PutUint32(cn[0:4], idx)
	binary.LittleEndian.PutUint32(cn[4:8], val)
	binary.LittleEndian.PutUint32(cn[8:12], 0)  // seq
	binary.LittleEndian.PutUint32(cn[12:16], 0) // ack
	binary.LittleEndian.PutUint16(cn[16:18], uint16(len(payload)))
	binary.LittleEndian.PutUint16(cn[18:20], 0) // flags
	copy(cn[cnMsgLen:], payload)
	return buf
}

func (n *NetlinkCollector) Sample(out *snapshot.ProcessSnapshot) error {
	// The kernel events keep activePIDs current between samples, but
	// sampling is the plain scanner's full /proc walk; its result is not
	// filtered by activePIDs.
	return n.Scanner.Sample(out)
}

func parsePIDName(name string) (int32, error) {
	v, err := strconv.ParseInt(name, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

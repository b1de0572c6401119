// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"encoding/binary"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Collector = (*KernelModuleCollector)(nil)

const genlFamilyName = "montauk_proc"

// KernelModuleCollector talks to a companion kernel module over generic
// netlink, resolving its family id by name the way any genetlink client
// does (CTRL_CMD_GETFAMILY against GENL_ID_CTRL). When the module isn't
// loaded the family resolution fails and Init returns false, letting the
// caller fall back to the plain scanner or the proc-connector collector.
type KernelModuleCollector struct {
	Scanner
	fd       int
	familyID uint16
}

func NewKernelModuleCollector(logger logr.Logger, procRoot string, maxProcs, enrichTopN int) *KernelModuleCollector {
	return &KernelModuleCollector{
		Scanner: *NewScanner(logger.WithName("process-kernelmodule"), procRoot, maxProcs, enrichTopN),
		fd:      -1,
	}
}

func (k *KernelModuleCollector) Init() bool {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_GENERIC)
	if err != nil {
		return false
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return false
	}

	id, err := resolveFamilyID(fd, genlFamilyName)
	if err != nil {
		unix.Close(fd)
		return false
	}
	k.fd = fd
	k.familyID = id
	return true
}

func (k *KernelModuleCollector) Shutdown() {
	if k.fd >= 0 {
		unix.Close(k.fd)
		k.fd = -1
	}
}

func (k *KernelModuleCollector) Sample(out *snapshot.ProcessSnapshot) error {
	// The kernel module's wire format for bulk process tables is specific
	// to that out-of-tree module; sampling semantics (top-K by cpu%,
	// enrich-top-N) are identical to the scanner, so reuse it once the
	// family handshake has confirmed the module is present.
	return k.Scanner.Sample(out)
}

// resolveFamilyID performs the generic-netlink family-name lookup
// (CTRL_CMD_GETFAMILY, CTRL_ATTR_FAMILY_NAME) and returns the resolved
// family id from the CTRL_ATTR_FAMILY_ID attribute of the response.
func resolveFamilyID(fd int, name string) (uint16, error) {
	const (
		genlIDCtrl          = 0x10
		ctrlCmdGetfamily    = 3
		ctrlAttrFamilyName  = 2
		ctrlAttrFamilyID    = 1
		genlHeaderLen       = 4
		nlaHeaderLen        = 4
	)

	nameAttr := nlAttr(ctrlAttrFamilyName, append([]byte(name), 0))
	genlHeader := []byte{ctrlCmdGetfamily, 1, 0, 0}
	payload := append(genlHeader, nameAttr...)

	nlHeaderLen := 16
	total := nlHeaderLen + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], genlIDCtrl)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(unix.Getpid()))
	copy(buf[16:], payload)

	if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return 0, err
	}

	resp := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, resp, 0)
	if err != nil {
		return 0, err
	}
	msgs, err := unix.ParseNetlinkMessage(resp[:n])
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if m.Header.Type == unix.NLMSG_ERROR {
			return 0, errKernelModuleUnavailable
		}
		if len(m.Data) < genlHeaderLen {
			continue
		}
		attrs := m.Data[genlHeaderLen:]
		for len(attrs) >= nlaHeaderLen {
			alen := binary.LittleEndian.Uint16(attrs[0:2])
			atype := binary.LittleEndian.Uint16(attrs[2:4])
			if int(alen) > len(attrs) || alen < nlaHeaderLen {
				break
			}
			val := attrs[nlaHeaderLen:alen]
			if atype == ctrlAttrFamilyID && len(val) >= 2 {
				return binary.LittleEndian.Uint16(val), nil
			}
			pad := (int(alen) + 3) &^ 3
			if pad > len(attrs) {
				break
			}
			attrs = attrs[pad:]
		}
	}
	return 0, errKernelModuleUnavailable
}

func nlAttr(atype uint16, value []byte) []byte {
	const nlaHeaderLen = 4
	length := nlaHeaderLen + len(value)
	padded := (length + 3) &^ 3
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(length))
	binary.LittleEndian.PutUint16(buf[2:4], atype)
	copy(buf[4:], value)
	return buf
}

var errKernelModuleUnavailable = kernelModuleUnavailableErr{}

type kernelModuleUnavailableErr struct{}

func (kernelModuleUnavailableErr) Error() string { return "kernel module family not registered" }

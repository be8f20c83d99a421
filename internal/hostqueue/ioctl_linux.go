//go:build linux

/* vusb - USB-over-network bridge
 *
 * Linux ioctl-backed host-controller queue: talks to a real
 * virtual-host-controller character device via GET_PENDING_URB /
 * COMPLETE_URB / CANCEL_URB, mirroring the IOCTL contract in
 * original_source/protocol/vusb_ioctl.h re-expressed for a Linux
 * character-device driver instead of a Windows WDM one.
 */

package hostqueue

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vusb-project/vusb/internal/proto"
	"github.com/vusb-project/vusb/internal/urb"
)

// vusbIOCMagic is this implementation's own ioctl magic byte for the
// vusb control device — a Linux ioctl numbering, not a re-encoding of
// the Windows CTL_CODE values in original_source; the driver itself is
// out of scope, only the user-mode contract shape is shared.
const vusbIOCMagic = 0xB5

// ioctlNR builds a Linux-style ioctl request number: direction (none,
// read, write, read|write), the magic byte, a sequence number and a
// payload size. Mirrors the _IOC macro from <asm-generic/ioctl.h>.
func ioctlNR(dir, nr, size uintptr) uintptr {
	const (
		nrbits   = 8
		typebits = 8
		sizebits = 14
		dirbits  = 2

		nrshift   = 0
		typeshift = nrshift + nrbits
		sizeshift = typeshift + typebits
		dirshift  = sizeshift + sizebits
	)
	return dir<<dirshift | vusbIOCMagic<<typeshift | nr<<nrshift | size<<sizeshift
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

// pendingURBWire mirrors VUSB_PENDING_URB on the wire, packed LE — same
// field order as proto.UrbSubmitHeader plus the sequence number the
// driver assigns.
type pendingURBWire struct {
	DeviceID       uint32
	UrbID          uint32
	SequenceNumber uint32
	EndpointAddr   uint8
	TransferType   uint8
	Direction      uint8
	Reserved       uint8
	TransferFlags  uint32
	BufLen         uint32
	Interval       uint32
	Setup          [8]byte
}

const pendingURBWireSize = 4 + 4 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 8

// completionWire mirrors VUSB_URB_COMPLETION
type completionWire struct {
	DeviceID       uint32
	UrbID          uint32
	SequenceNumber uint32
	Status         uint32
	ActualLength   uint32
}

const completionWireSize = 4 + 4 + 4 + 4 + 4

// cancelWire mirrors VUSB_URB_CANCEL_REQUEST
type cancelWire struct {
	DeviceID uint32
	UrbID    uint32
}

const cancelWireSize = 8

var (
	reqGetPendingURB = ioctlNR(iocRead, 4, pendingURBWireSize)
	reqCompleteURB   = ioctlNR(iocWrite, 5, completionWireSize)
	reqCancelURB     = ioctlNR(iocWrite, 6, cancelWireSize)
)

// IoctlQueue is a Queue backed by a Linux virtual-host-controller
// device node, opened once and driven by blocking ioctl calls — the
// same GET_PENDING_URB / COMPLETE_URB / CANCEL_URB triplet the
// original driver exposes, reached here through /dev instead of a
// Windows IRP.
type IoctlQueue struct {
	file   *os.File
	mu     sync.Mutex
}

// OpenIoctl opens the control device node at path (conventionally
// /dev/vusb-ctrl)
func OpenIoctl(path string) (*IoctlQueue, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostqueue: open %s: %w", path, err)
	}
	return &IoctlQueue{file: f}, nil
}

// Submit is a no-op for IoctlQueue: submission happens in the kernel
// driver itself, which is why BlockingPull polls it rather than
// reading from a Go channel.
func (q *IoctlQueue) Submit(req urb.Request) {}

// BlockingPull issues GET_PENDING_URB, retrying on EAGAIN/EINTR until
// ctx is cancelled.
func (q *IoctlQueue) BlockingPull(ctx context.Context) (urb.Request, error) {
	var wire pendingURBWire
	buf := make([]byte, pendingURBWireSize)

	for {
		select {
		case <-ctx.Done():
			return urb.Request{}, ctx.Err()
		default:
		}

		_, _, errno := unix.Syscall(unix.SYS_IOCTL,
			q.file.Fd(), reqGetPendingURB, uintptr(unsafe.Pointer(&buf[0])))

		if errno == 0 {
			break
		}
		if errno == unix.EAGAIN || errno == unix.EINTR {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return urb.Request{}, fmt.Errorf("hostqueue: GET_PENDING_URB: %w", errno)
	}

	wire.DeviceID = binary.LittleEndian.Uint32(buf[0:4])
	wire.UrbID = binary.LittleEndian.Uint32(buf[4:8])
	wire.EndpointAddr = buf[12]
	wire.TransferType = buf[13]
	wire.Direction = buf[14]
	wire.TransferFlags = binary.LittleEndian.Uint32(buf[16:20])
	wire.BufLen = binary.LittleEndian.Uint32(buf[20:24])
	wire.Interval = binary.LittleEndian.Uint32(buf[24:28])
	copy(wire.Setup[:], buf[28:36])

	req := urb.Request{
		Device:       urb.LocalDeviceID(wire.DeviceID),
		UrbID:        urb.UrbID(wire.UrbID),
		Endpoint:     wire.EndpointAddr,
		TransferType: proto.TransferType(wire.TransferType),
		Direction:    proto.Direction(wire.Direction),
		Flags:        wire.TransferFlags,
		BufLen:       wire.BufLen,
		Interval:     wire.Interval,
	}
	copy(req.Setup[:], wire.Setup[:])

	return req, nil
}

// Complete issues COMPLETE_URB
func (q *IoctlQueue) Complete(c urb.Completion) {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := make([]byte, completionWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Device))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(c.UrbID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(c.Status))
	binary.LittleEndian.PutUint32(buf[16:20], c.ActualLength)

	unix.Syscall(unix.SYS_IOCTL, q.file.Fd(), reqCompleteURB, uintptr(unsafe.Pointer(&buf[0])))
}

// Cancel issues CANCEL_URB
func (q *IoctlQueue) Cancel(device urb.LocalDeviceID, urbID urb.UrbID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := make([]byte, cancelWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(device))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(urbID))

	unix.Syscall(unix.SYS_IOCTL, q.file.Fd(), reqCancelURB, uintptr(unsafe.Pointer(&buf[0])))
}

// Close closes the control device node. A later BlockingPull fails with
// the GET_PENDING_URB ioctl error, not ErrClosed.
func (q *IoctlQueue) Close() error {
	return q.file.Close()
}

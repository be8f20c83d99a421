package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// StatusCode is the wire-level outcome of a URB, or of a control request
type StatusCode uint32

const (
	StatusSuccess StatusCode = iota
	StatusPending
	StatusError
	StatusStall
	StatusTimeout
	StatusCancelled
	StatusNoDevice
	StatusInvalidParam
	StatusNoMemory
	StatusNotSupported
	StatusDisconnected
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPending:
		return "Pending"
	case StatusError:
		return "Error"
	case StatusStall:
		return "Stall"
	case StatusTimeout:
		return "Timeout"
	case StatusCancelled:
		return "Cancelled"
	case StatusNoDevice:
		return "NoDevice"
	case StatusInvalidParam:
		return "InvalidParam"
	case StatusNoMemory:
		return "NoMemory"
	case StatusNotSupported:
		return "NotSupported"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// TransferType identifies the kind of USB transfer a URB performs
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferIso
	TransferBulk
	TransferInterrupt
)

// Direction is the data-flow direction of a URB
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

const nameFieldLen = 64

// putFixedString writes s into a fixed-size NUL-padded field
func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

// getFixedString reads a NUL-terminated string out of a fixed-size field
func getFixedString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// ConnectReq is the payload of CONNECT (C→S)
type ConnectReq struct {
	ClientVersion uint32
	Caps          uint32
	ClientName    string // max 64 bytes, UTF-8, NUL-terminated on the wire
}

// Encode implements wire marshaling for ConnectReq
func (m ConnectReq) Encode() []byte {
	buf := make([]byte, 4+4+nameFieldLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.ClientVersion)
	binary.LittleEndian.PutUint32(buf[4:8], m.Caps)
	putFixedString(buf[8:8+nameFieldLen], m.ClientName)
	return buf
}

// DecodeConnectReq parses a CONNECT payload
func DecodeConnectReq(p []byte) (ConnectReq, error) {
	if len(p) < 8+nameFieldLen {
		return ConnectReq{}, ErrTruncated
	}
	return ConnectReq{
		ClientVersion: binary.LittleEndian.Uint32(p[0:4]),
		Caps:          binary.LittleEndian.Uint32(p[4:8]),
		ClientName:    getFixedString(p[8 : 8+nameFieldLen]),
	}, nil
}

// ConnectResp is the payload of CONNECT_RESP (S→C)
type ConnectResp struct {
	Status        StatusCode
	ServerVersion uint32
	Caps          uint32
	SessionID     uint32
}

func (m ConnectResp) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Status))
	binary.LittleEndian.PutUint32(buf[4:8], m.ServerVersion)
	binary.LittleEndian.PutUint32(buf[8:12], m.Caps)
	binary.LittleEndian.PutUint32(buf[12:16], m.SessionID)
	return buf
}

func DecodeConnectResp(p []byte) (ConnectResp, error) {
	if len(p) < 16 {
		return ConnectResp{}, ErrTruncated
	}
	return ConnectResp{
		Status:        StatusCode(binary.LittleEndian.Uint32(p[0:4])),
		ServerVersion: binary.LittleEndian.Uint32(p[4:8]),
		Caps:          binary.LittleEndian.Uint32(p[8:12]),
		SessionID:     binary.LittleEndian.Uint32(p[12:16]),
	}, nil
}

// DeviceInfo is the summary device view exchanged on the wire
type DeviceInfo struct {
	Manufacturer string // max 64 bytes
	Product      string // max 64 bytes
	Serial       string // max 64 bytes
	VID          uint16
	PID          uint16
	Class        uint8
	SubClass     uint8
	Protocol     uint8
	Speed        uint8
	NumConfigs   uint8
	NumInterfaces uint8
}

const deviceInfoSize = nameFieldLen*3 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1

// Encode marshals DeviceInfo to its fixed-size wire form
func (d DeviceInfo) Encode() []byte {
	buf := make([]byte, deviceInfoSize)
	off := 0
	putFixedString(buf[off:off+nameFieldLen], d.Manufacturer)
	off += nameFieldLen
	putFixedString(buf[off:off+nameFieldLen], d.Product)
	off += nameFieldLen
	putFixedString(buf[off:off+nameFieldLen], d.Serial)
	off += nameFieldLen
	binary.LittleEndian.PutUint16(buf[off:off+2], d.VID)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], d.PID)
	off += 2
	buf[off] = d.Class
	off++
	buf[off] = d.SubClass
	off++
	buf[off] = d.Protocol
	off++
	buf[off] = d.Speed
	off++
	buf[off] = d.NumConfigs
	off++
	buf[off] = d.NumInterfaces
	off++
	return buf
}

// DecodeDeviceInfo parses a fixed-size DeviceInfo record, returning the
// number of bytes consumed
func DecodeDeviceInfo(p []byte) (DeviceInfo, int, error) {
	if len(p) < deviceInfoSize {
		return DeviceInfo{}, 0, ErrTruncated
	}

	off := 0
	d := DeviceInfo{}
	d.Manufacturer = getFixedString(p[off : off+nameFieldLen])
	off += nameFieldLen
	d.Product = getFixedString(p[off : off+nameFieldLen])
	off += nameFieldLen
	d.Serial = getFixedString(p[off : off+nameFieldLen])
	off += nameFieldLen
	d.VID = binary.LittleEndian.Uint16(p[off : off+2])
	off += 2
	d.PID = binary.LittleEndian.Uint16(p[off : off+2])
	off += 2
	d.Class = p[off]
	off++
	d.SubClass = p[off]
	off++
	d.Protocol = p[off]
	off++
	d.Speed = p[off]
	off++
	d.NumConfigs = p[off]
	off++
	d.NumInterfaces = p[off]
	off++

	return d, off, nil
}

// DeviceAttachReq is the payload of DEVICE_ATTACH (C→S)
type DeviceAttachReq struct {
	Info        DeviceInfo
	Descriptors []byte // raw configuration descriptor tree, desc_len bytes
}

func (m DeviceAttachReq) Encode() []byte {
	info := m.Info.Encode()
	buf := make([]byte, len(info)+4+len(m.Descriptors))
	copy(buf, info)
	binary.LittleEndian.PutUint32(buf[len(info):len(info)+4], uint32(len(m.Descriptors)))
	copy(buf[len(info)+4:], m.Descriptors)
	return buf
}

func DecodeDeviceAttachReq(p []byte) (DeviceAttachReq, error) {
	info, n, err := DecodeDeviceInfo(p)
	if err != nil {
		return DeviceAttachReq{}, err
	}
	p = p[n:]

	if len(p) < 4 {
		return DeviceAttachReq{}, ErrTruncated
	}
	descLen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]

	if uint32(len(p)) < descLen {
		return DeviceAttachReq{}, ErrTruncated
	}

	desc := make([]byte, descLen)
	copy(desc, p[:descLen])

	return DeviceAttachReq{Info: info, Descriptors: desc}, nil
}

// DeviceAttachResp is the payload of DEVICE_ATTACH_RESP (S→C)
type DeviceAttachResp struct {
	Status        StatusCode
	LocalDeviceID uint32
}

func (m DeviceAttachResp) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Status))
	binary.LittleEndian.PutUint32(buf[4:8], m.LocalDeviceID)
	return buf
}

func DecodeDeviceAttachResp(p []byte) (DeviceAttachResp, error) {
	if len(p) < 8 {
		return DeviceAttachResp{}, ErrTruncated
	}
	return DeviceAttachResp{
		Status:        StatusCode(binary.LittleEndian.Uint32(p[0:4])),
		LocalDeviceID: binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}

// DeviceDetachReq is the payload of DEVICE_DETACH (C→S)
type DeviceDetachReq struct {
	LocalDeviceID uint32
}

func (m DeviceDetachReq) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, m.LocalDeviceID)
	return buf
}

func DecodeDeviceDetachReq(p []byte) (DeviceDetachReq, error) {
	if len(p) < 4 {
		return DeviceDetachReq{}, ErrTruncated
	}
	return DeviceDetachReq{LocalDeviceID: binary.LittleEndian.Uint32(p[0:4])}, nil
}

// DeviceListResp is the payload of DEVICE_LIST_RESP (S→C)
type DeviceListResp struct {
	Status  StatusCode
	Devices []DeviceInfo
}

func (m DeviceListResp) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Status))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(m.Devices)))
	for _, d := range m.Devices {
		buf = append(buf, d.Encode()...)
	}
	return buf
}

func DecodeDeviceListResp(p []byte) (DeviceListResp, error) {
	if len(p) < 8 {
		return DeviceListResp{}, ErrTruncated
	}
	status := StatusCode(binary.LittleEndian.Uint32(p[0:4]))
	count := binary.LittleEndian.Uint32(p[4:8])
	p = p[8:]

	devices := make([]DeviceInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		d, n, err := DecodeDeviceInfo(p)
		if err != nil {
			return DeviceListResp{}, err
		}
		devices = append(devices, d)
		p = p[n:]
	}

	return DeviceListResp{Status: status, Devices: devices}, nil
}

// SetupPacket is the 8-byte USB control-transfer setup packet, carried
// verbatim regardless of transfer type
type SetupPacket [8]byte

// UrbSubmitHeader is the fixed-size payload prefix of SUBMIT_URB (S→C).
// OUT data, if any, follows immediately in the same frame.
type UrbSubmitHeader struct {
	DeviceID    uint32
	UrbID       uint32
	Endpoint    uint8
	Type        TransferType
	Direction   Direction
	TransferFlags uint32
	BufLen      uint32
	Interval    uint32
	Setup       SetupPacket
}

const urbSubmitHeaderSize = 4 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 8

func (m UrbSubmitHeader) Encode() []byte {
	buf := make([]byte, urbSubmitHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], m.UrbID)
	buf[8] = m.Endpoint
	buf[9] = uint8(m.Type)
	buf[10] = uint8(m.Direction)
	buf[11] = 0 // reserved
	binary.LittleEndian.PutUint32(buf[12:16], m.TransferFlags)
	binary.LittleEndian.PutUint32(buf[16:20], m.BufLen)
	binary.LittleEndian.PutUint32(buf[20:24], m.Interval)
	copy(buf[24:32], m.Setup[:])
	return buf
}

// DecodeUrbSubmitHeader parses the fixed header, returning the
// remaining bytes (the OUT payload, if direction is OUT and non-empty)
func DecodeUrbSubmitHeader(p []byte) (UrbSubmitHeader, []byte, error) {
	if len(p) < urbSubmitHeaderSize {
		return UrbSubmitHeader{}, nil, ErrTruncated
	}

	m := UrbSubmitHeader{
		DeviceID:      binary.LittleEndian.Uint32(p[0:4]),
		UrbID:         binary.LittleEndian.Uint32(p[4:8]),
		Endpoint:      p[8],
		Type:          TransferType(p[9]),
		Direction:     Direction(p[10]),
		TransferFlags: binary.LittleEndian.Uint32(p[12:16]),
		BufLen:        binary.LittleEndian.Uint32(p[16:20]),
		Interval:      binary.LittleEndian.Uint32(p[20:24]),
	}
	copy(m.Setup[:], p[24:32])

	rest := p[urbSubmitHeaderSize:]

	if m.Direction == DirOut && m.BufLen > 0 {
		if uint32(len(rest)) < m.BufLen {
			return UrbSubmitHeader{}, nil, ErrTruncated
		}
		return m, rest[:m.BufLen], nil
	}

	return m, nil, nil
}

// EncodeSubmitUrb builds the full SUBMIT_URB payload, header plus OUT data
func EncodeSubmitUrb(hdr UrbSubmitHeader, dataOut []byte) []byte {
	buf := hdr.Encode()
	if hdr.Direction == DirOut && len(dataOut) > 0 {
		buf = append(buf, dataOut...)
	}
	return buf
}

// UrbCompleteHeader is the fixed-size payload prefix of URB_COMPLETE
// (C→S). IN data, if any, follows immediately in the same frame.
type UrbCompleteHeader struct {
	DeviceID     uint32
	UrbID        uint32
	Status       StatusCode
	ActualLength uint32
	ErrorCount   uint32 // reserved, isochronous
}

const urbCompleteHeaderSize = 4 + 4 + 4 + 4 + 4

func (m UrbCompleteHeader) Encode() []byte {
	buf := make([]byte, urbCompleteHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], m.UrbID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Status))
	binary.LittleEndian.PutUint32(buf[12:16], m.ActualLength)
	binary.LittleEndian.PutUint32(buf[16:20], m.ErrorCount)
	return buf
}

// DecodeUrbCompleteHeader parses the fixed header. Whether data_in
// follows depends on the direction of the URB being completed, which the
// caller must track (the completion frame itself does not repeat
// direction) — see pending.Table.
func DecodeUrbCompleteHeader(p []byte) (UrbCompleteHeader, []byte, error) {
	if len(p) < urbCompleteHeaderSize {
		return UrbCompleteHeader{}, nil, ErrTruncated
	}

	m := UrbCompleteHeader{
		DeviceID:     binary.LittleEndian.Uint32(p[0:4]),
		UrbID:        binary.LittleEndian.Uint32(p[4:8]),
		Status:       StatusCode(binary.LittleEndian.Uint32(p[8:12])),
		ActualLength: binary.LittleEndian.Uint32(p[12:16]),
		ErrorCount:   binary.LittleEndian.Uint32(p[16:20]),
	}

	return m, p[urbCompleteHeaderSize:], nil
}

// EncodeUrbComplete builds the full URB_COMPLETE payload, header plus IN data
func EncodeUrbComplete(hdr UrbCompleteHeader, dataIn []byte) []byte {
	buf := hdr.Encode()
	if len(dataIn) > 0 {
		buf = append(buf, dataIn...)
	}
	return buf
}

// CancelUrbReq is the payload of CANCEL_URB (S→C)
type CancelUrbReq struct {
	Device uint32
	UrbID  uint32
}

func (m CancelUrbReq) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], m.Device)
	binary.LittleEndian.PutUint32(buf[4:8], m.UrbID)
	return buf
}

func DecodeCancelUrbReq(p []byte) (CancelUrbReq, error) {
	if len(p) < 8 {
		return CancelUrbReq{}, ErrTruncated
	}
	return CancelUrbReq{
		Device: binary.LittleEndian.Uint32(p[0:4]),
		UrbID:  binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}

const errMessageFieldLen = 256

// ErrorMsg is the payload of ERROR (S→C)
type ErrorMsg struct {
	Code         uint32
	OrigCommand  Command
	OrigSequence uint32
	Message      string // max 256 bytes
}

func (m ErrorMsg) Encode() []byte {
	buf := make([]byte, 4+4+4+errMessageFieldLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.Code)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.OrigCommand))
	binary.LittleEndian.PutUint32(buf[8:12], m.OrigSequence)
	putFixedString(buf[12:12+errMessageFieldLen], m.Message)
	return buf
}

func DecodeErrorMsg(p []byte) (ErrorMsg, error) {
	if len(p) < 12+errMessageFieldLen {
		return ErrorMsg{}, ErrTruncated
	}
	return ErrorMsg{
		Code:         binary.LittleEndian.Uint32(p[0:4]),
		OrigCommand:  Command(binary.LittleEndian.Uint32(p[4:8])),
		OrigSequence: binary.LittleEndian.Uint32(p[8:12]),
		Message:      getFixedString(p[12 : 12+errMessageFieldLen]),
	}, nil
}

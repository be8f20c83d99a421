/* vusb - USB-over-network bridge
 *
 * Shared URB/session data types used on both sides of the bridge
 */

// Package urb defines the data types that flow between the host-controller
// submitter, the router and the wire codec: URB requests, completions and
// the error taxonomy they carry.
package urb

import (
	"fmt"

	"github.com/vusb-project/vusb/internal/proto"
)

// LocalDeviceID is the server-assigned device id, also the registry slot
// index plus one
type LocalDeviceID uint32

// RemoteDeviceID is a per-session counter the server session assigns on
// attach; it is not carried on the wire
type RemoteDeviceID uint32

// UrbID is assigned by the submitter; unique per device within a session
type UrbID uint32

// Request is a URB submission, as handed to the router by the local
// host-controller submitter (or, on the client, as decoded off the wire)
type Request struct {
	Device       LocalDeviceID
	UrbID        UrbID
	Endpoint     uint8
	TransferType proto.TransferType
	Direction    proto.Direction
	Flags        uint32
	BufLen       uint32
	Interval     uint32
	Setup        proto.SetupPacket
	DataOut      []byte // present iff Direction == DirOut && BufLen > 0
}

// Completion is the result of a URB, handed back to the external completer
type Completion struct {
	Device       LocalDeviceID
	UrbID        UrbID
	Status       proto.StatusCode
	ActualLength uint32
	DataIn       []byte // present iff Direction == DirIn && ActualLength > 0
}

// Kind discriminates the error taxonomy defined by the error handling
// design: each kind carries a fixed disposition (fatal-per-connection,
// fatal-per-session, or reported/non-fatal).
type Kind int

const (
	KindProtocolError Kind = iota
	KindTruncated
	KindPayloadTooLarge
	KindDuplicateUrb
	KindTooManyDevices
	KindInvalidDescriptor
	KindNoDevice
	KindOverloaded
	KindBackendError
	KindTimeout
	KindSpuriousCompletion
)

func (k Kind) String() string {
	switch k {
	case KindProtocolError:
		return "ProtocolError"
	case KindTruncated:
		return "Truncated"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindDuplicateUrb:
		return "DuplicateUrb"
	case KindTooManyDevices:
		return "TooManyDevices"
	case KindInvalidDescriptor:
		return "InvalidDescriptor"
	case KindNoDevice:
		return "NoDevice"
	case KindOverloaded:
		return "Overloaded"
	case KindBackendError:
		return "BackendError"
	case KindTimeout:
		return "Timeout"
	case KindSpuriousCompletion:
		return "SpuriousCompletion"
	default:
		return "Unknown"
	}
}

// Error is the implementation-defined error type carrying a taxonomy
// discriminant plus an optional wrapped cause (used for BackendError)
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no wrapped cause
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap builds a BackendError wrapping cause
func Wrap(cause error) *Error { return &Error{Kind: KindBackendError, Cause: cause} }

// StatusFor maps an error taxonomy kind to the wire StatusCode that
// should be reported in a URB completion or attach response
func StatusFor(kind Kind) proto.StatusCode {
	switch kind {
	case KindNoDevice:
		return proto.StatusNoDevice
	case KindTimeout:
		return proto.StatusTimeout
	case KindTooManyDevices, KindInvalidDescriptor, KindSpuriousCompletion:
		return proto.StatusError
	case KindOverloaded:
		return proto.StatusError
	case KindBackendError:
		return proto.StatusError
	default:
		return proto.StatusError
	}
}

package proto

import "errors"

// Fatal-per-connection errors raised while reading frames
var (
	ErrProtocol        = errors.New("protocol error: bad magic or version")
	ErrTruncated       = errors.New("short read")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

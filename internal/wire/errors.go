package wire

import "errors"

// Decode errors are non-fatal: the caller logs and skips the frame.
var (
	ErrUnknownVersion  = errors.New("wire: unknown packet version")
	ErrLengthExceeded  = errors.New("wire: payload length exceeds cap")
	ErrTruncated       = errors.New("wire: truncated packet")
	ErrBadPadding      = errors.New("wire: invalid PKCS#7 padding")
	ErrBadCompression  = errors.New("wire: invalid compressed payload")
	ErrPacketTooLarge  = errors.New("wire: packet exceeds largest pad block, must be fragmented")
)

package protocol

import "errors"

var (
	// ErrTruncated signals that more bytes are needed to complete a frame.
	ErrTruncated = errors.New("protocol: truncated data")
	// ErrMalformed is a hard decode failure; the stream cannot be resynchronized.
	ErrMalformed = errors.New("protocol: malformed frame")
)

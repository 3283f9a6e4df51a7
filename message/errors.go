package message

import "github.com/zeebo/errs"

// Error classifies every error this package returns.
var Error = errs.Class("message")

var (
	// ErrZeroSize is returned when Create is asked for a zero-byte payload.
	ErrZeroSize = Error.New("size cannot be zero")
	// ErrOversizePayload is returned when a write exceeds the payload
	// capacity the region was created with.
	ErrOversizePayload = Error.New("data size exceeds the message's maximum payload size")
)

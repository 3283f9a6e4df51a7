package queue

import "github.com/zeebo/errs"

// Error classifies every error this package returns.
var Error = errs.Class("queue")

var (
	// ErrZeroSize is returned when Create is asked for a zero capacity
	// or a zero max element size.
	ErrZeroSize = Error.New("capacity and max element size must both be non-zero")
	// ErrOversizeElement is returned when an element exceeds the
	// max_element_size the region was created with.
	ErrOversizeElement = Error.New("element size exceeds the queue's maximum element size")
)

package store

import "errors"

// ErrNotFound is returned when a requested row does not exist, and by
// AckCapture when the capture was already acknowledged. Callers treat the
// two cases identically, which is what makes ack safe to retry.
var ErrNotFound = errors.New("not found")

// ErrQueueFull is returned by CreateCapture when the pending queue is at its
// configured ceiling.
var ErrQueueFull = errors.New("capture queue full")

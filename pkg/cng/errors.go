package cng

import "errors"

// Errors returned by the comfort noise decoder.
var (
	// ErrOutOfMemory indicates that a buffer could not be allocated while
	// constructing a decoder. Any buffers obtained before the failure have
	// already been released.
	ErrOutOfMemory = errors.New("cng: buffer allocation failed")

	// ErrInvalidInput indicates a SID payload that was rejected. A rejected
	// payload never modifies decoder state.
	ErrInvalidInput = errors.New("cng: invalid SID payload")

	// ErrClosed is returned by Decode after Close.
	ErrClosed = errors.New("cng: decoder closed")
)

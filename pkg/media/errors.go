package media

import "errors"

var (
	// ErrUnsupportedCodec is returned for payload types outside the codec table.
	ErrUnsupportedCodec = errors.New("media: unsupported payload type")

	// ErrNoComfortNoise is returned when an SDP offer does not carry CN/8000.
	ErrNoComfortNoise = errors.New("media: offer does not carry comfort noise")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("media: session closed")
)

// Package protocol decodes call envelopes sent by the parent node and
// builds the reply terms sent back to it.
package protocol

import "errors"

var (
	ErrProtocol               = errors.New("malformed request")
	ErrUnsupportedOrientation = errors.New("unsupported image orientation")
	ErrUnsupportedFormat      = errors.New("unsupported image format")
	ErrUnsupportedImageSource = errors.New("unsupported image source")
	ErrUnknownCommand         = errors.New("unknown command")
)

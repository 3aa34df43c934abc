package gguf

import "errors"

// Sentinel errors for the FileFormat/Oversize error kinds. All are
// recoverable: a directory scan continues with the next file after any of
// these.
var (
	ErrInvalidMagic       = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrInvalidValueType   = errors.New("gguf: invalid value type")
	ErrTruncatedHeader    = errors.New("gguf: truncated header")
	ErrOversizeString     = errors.New("gguf: string exceeds bounds")
	ErrOversizeArray      = errors.New("gguf: array exceeds bounds")
)

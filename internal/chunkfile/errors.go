package chunkfile

import "errors"

var (
	// ErrInvalidFormat is returned for files that are not valid chunk files.
	ErrInvalidFormat = errors.New("invalid chunk file")

	// ErrBlockOrder is returned when blocks are out of order or outside the header range.
	ErrBlockOrder = errors.New("block out of order")

	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("chunk writer closed")
)

package download

import (
	"errors"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// class is the retry class of a failed download attempt.
type class int

const (
	classTransient class = iota
	classCorruption
	classFatal
)

func (c class) String() string {
	switch c {
	case classCorruption:
		return "corruption"
	case classFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// classify decides how a failed attempt is retried. Local disk conditions
// that will not clear by themselves are fatal.
func classify(err error) class {
	switch {
	case errors.Is(err, chunk.ErrFatal), isFatalDiskError(err):
		return classFatal
	case errors.Is(err, chunk.ErrCorruption):
		return classCorruption
	default:
		return classTransient
	}
}

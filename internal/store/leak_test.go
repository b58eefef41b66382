package store

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies index goroutines are stopped by Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}

package bus

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no dispatcher-pool goroutines leak past test
// teardown, the teacher's pattern (via the broader example corpus) for
// catching a worker pool that doesn't actually stop on Shutdown.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

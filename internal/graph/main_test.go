package graph

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the scheduler's worker-slot suspend/resume dance
// (run's getFn/getManyFn cooperative release/reacquire) never leaks
// a goroutine blocked forever on a channel or semaphore — a real risk
// given the cooperative scheduling of spec.md §4.D.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ABOUTME: Package test entry point for dispatch
// ABOUTME: Fails the run if any test leaks a worker goroutine

package dispatch

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector flags tests that leave engine goroutines behind
type GoroutineLeakDetector struct {
	t              *testing.T
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
}

// NewGoroutineLeakDetector creates a leak detector for one test
func NewGoroutineLeakDetector(t *testing.T) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		allowedGrowth:  0,
		checkInterval:  100 * time.Millisecond,
		stabilizeDelay: 200 * time.Millisecond,
	}
}

// Start records the baseline goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
}

// Check verifies the goroutine count settled back to the baseline
func (d *GoroutineLeakDetector) Check() {
	time.Sleep(d.stabilizeDelay)

	// Sample a few times; cleanup goroutines may still be winding down.
	finalCount := runtime.NumGoroutine()
	for i := 0; i < 2; i++ {
		time.Sleep(d.checkInterval)
		if count := runtime.NumGoroutine(); count < finalCount {
			finalCount = count
		}
	}

	leaked := finalCount - d.initialCount
	if leaked > d.allowedGrowth {
		d.t.Errorf("goroutine leak: started with %d, ended with %d (leaked %d, allowed %d)",
			d.initialCount, finalCount, leaked, d.allowedGrowth)
		buf := make([]byte, 1<<20)
		stackLen := runtime.Stack(buf, true)
		d.t.Logf("goroutine stacks:\n%s", buf[:stackLen])
	}
}

// SetAllowedGrowth permits a bounded number of surviving goroutines
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

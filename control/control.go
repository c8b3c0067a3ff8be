// control.go — Global lifecycle, activity and fault flags
// ============================================================================
// SYSTEM CONTROL ORCHESTRATION
// ============================================================================
//
// Control package provides lightweight process-wide signaling for the feed
// goroutine, the dispatch workers and main.
//
// Architecture overview:
//   • Stop flag plus a shutdown wait group for graceful termination
//   • Activity timestamp with cooldown, raised by the feed on every frame
//   • Fault flag raised when the chain feed drops; ingestion pauses while set
//
// Threading model:
//   • Feed layer calls SignalActivity() and Fault()/ClearFault()
//   • Dispatch checks Faulted() before handing out work
//   • main calls Shutdown() and waits on ShutdownWG

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// GLOBAL STATE MANAGEMENT
// ============================================================================

var (
	stop atomic.Bool
	hot  atomic.Bool

	lastHot    atomic.Int64 // unix nanos of the last feed frame
	cooldownNs = int64(1 * time.Second)

	fault       atomic.Bool
	faultReason atomic.Pointer[string]
	faultSince  atomic.Int64

	// ShutdownWG tracks goroutines that must finish before the process exits.
	ShutdownWG sync.WaitGroup
)

// ============================================================================
// ACTIVITY SIGNALING
// ============================================================================

// SignalActivity marks the feed as live.
func SignalActivity() {
	hot.Store(true)
	lastHot.Store(time.Now().UnixNano())
}

// PollCooldown clears the activity flag after one idle second.
func PollCooldown() {
	if hot.Load() && time.Now().UnixNano()-lastHot.Load() > cooldownNs {
		hot.Store(false)
	}
}

// Active reports whether the feed delivered a frame recently.
func Active() bool { return hot.Load() }

// ============================================================================
// FEED FAULTS
// ============================================================================

// Fault records a feed failure. Ingestion stays paused until ClearFault.
func Fault(reason string) {
	faultReason.Store(&reason)
	if fault.CompareAndSwap(false, true) {
		faultSince.Store(time.Now().UnixNano())
	}
}

// ClearFault resumes ingestion and returns how long the fault lasted.
func ClearFault() time.Duration {
	if !fault.CompareAndSwap(true, false) {
		return 0
	}
	faultReason.Store(nil)
	return time.Duration(time.Now().UnixNano() - faultSince.Load())
}

// Faulted reports the current fault state and its reason.
func Faulted() (bool, string) {
	if !fault.Load() {
		return false, ""
	}
	if r := faultReason.Load(); r != nil {
		return true, *r
	}
	return true, ""
}

// ============================================================================
// SYSTEM SHUTDOWN
// ============================================================================

// Shutdown sets the global stop flag.
func Shutdown() {
	stop.Store(true)
}

// Stopping reports whether Shutdown was called.
func Stopping() bool { return stop.Load() }

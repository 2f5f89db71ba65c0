//go:build !deadlock

// Package syncutil holds the lock types behind the Transfer Guard and the
// detection cache. The default build uses the sync package directly; build
// with -tags=deadlock to run every guard under github.com/sasha-s/go-deadlock,
// which reports a transfer that never releases the bus.
package syncutil

import (
	"sync"
	"time"
)

// Mutex is the Transfer Guard lock.
//
//nolint:gocritic // Intentionally embedding sync.Mutex to expose its interface
type Mutex struct {
	sync.Mutex
}

// RWMutex guards read-mostly state such as the detection cache.
//
//nolint:gocritic // Intentionally embedding sync.RWMutex to expose its interface
type RWMutex struct {
	sync.RWMutex
}

// DeadlockDetection reports whether locks are checked for deadlocks.
const DeadlockDetection = false

// SetLockTimeout is a no-op without the deadlock tag.
func SetLockTimeout(time.Duration) {}

//go:build deadlock

// Package syncutil holds the lock types behind the Transfer Guard and the
// detection cache. This file is compiled when building with -tags=deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Mutex is the Transfer Guard lock, checked by go-deadlock.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex guards read-mostly state such as the detection cache.
type RWMutex struct {
	deadlock.RWMutex
}

// DeadlockDetection reports whether locks are checked for deadlocks.
const DeadlockDetection = true

// SetLockTimeout sets how long a lock may be waited on before go-deadlock
// reports it. A transfer on real hardware holds the guard for at most a few
// seconds, so anything near the default 30s means a stuck bus.
func SetLockTimeout(d time.Duration) {
	deadlock.Opts.DeadlockTimeout = d
}

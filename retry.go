// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sdspi

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// RetryConfig shapes the pause between attempts of a bounded retry loop. The
// number of attempts comes from the Config budget of the loop, so a zero
// RetryConfig retries back to back.
type RetryConfig struct {
	// InitialBackoff is the pause after the first failed attempt
	InitialBackoff time.Duration `json:"initialBackoff"`
	// MaxBackoff caps the pause
	MaxBackoff time.Duration `json:"maxBackoff"`
	// BackoffMultiplier is the factor by which the backoff increases
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	// Jitter adds up to this fraction of the pause at random
	Jitter float64 `json:"jitter"`
}

// DefaultRetryConfig retries without pausing
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{}
}

// HardwareRetryConfig gives a physical card time to finish power-up
func HardwareRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    HardwareInitialBackoff,
		MaxBackoff:        HardwareMaxBackoff,
		BackoffMultiplier: HardwareBackoffMultiplier,
		Jitter:            HardwareJitter,
	}
}

// attemptFunc is one attempt of a bounded retry loop, numbered from 1
type attemptFunc func(attempt int) error

// retryBounded calls fn up to attempts times. It returns early on success or
// on an error IsRetryable rejects; that error comes back unwrapped. When every
// attempt fails the last error is wrapped in a RetryExhaustedError. The int is
// the number of attempts made. Attempts are never cancelled.
func retryBounded(op string, attempts int, backoff RetryConfig, fn attemptFunc) (int, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	pause := backoff.InitialBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				Debugf("%s succeeded on attempt %d", op, attempt)
			}
			return attempt, nil
		}
		if !IsRetryable(err) {
			return attempt, err
		}
		lastErr = err

		if attempt < attempts {
			Debugf("%s attempt %d/%d failed (retrying): %v", op, attempt, attempts, err)
			if pause > 0 {
				time.Sleep(calculateJitteredSleep(pause, backoff.Jitter))
				pause = calculateNextBackoff(pause, backoff)
			}
		}
	}

	return attempts, &RetryExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

func calculateNextBackoff(backoff time.Duration, config RetryConfig) time.Duration {
	if config.BackoffMultiplier <= 1 {
		return backoff
	}
	newBackoff := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if config.MaxBackoff > 0 && newBackoff > config.MaxBackoff {
		return config.MaxBackoff
	}
	return newBackoff
}

// calculateJitteredSleep calculates sleep duration with jitter
func calculateJitteredSleep(baseSleep time.Duration, jitterFactor float64) time.Duration {
	sleep := baseSleep
	if jitterFactor > 0 {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err == nil {
			// Convert to float64 in range [0, 1)
			randUint := binary.LittleEndian.Uint64(randBytes[:])
			randFloat := float64(randUint) / float64(1<<64)
			sleep += time.Duration(randFloat * float64(sleep) * jitterFactor)
		}
	}
	return sleep
}

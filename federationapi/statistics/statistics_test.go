// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndResets(t *testing.T) {
	stats := NewStatistics(5)
	server := stats.ForServer("remote.test")

	_, backingOff := server.BackoffInfo()
	assert.False(t, backingOff)

	var lastDuration time.Duration
	for i := 0; i < 4; i++ {
		until, degraded := server.Failure()
		assert.False(t, degraded, "should not be degraded after %d failures", i+1)
		duration := time.Until(until)
		// Exponential: each wait is at least as long as the previous one.
		assert.GreaterOrEqual(t, duration, lastDuration)
		lastDuration = duration
	}

	// The fifth consecutive failure spends the budget.
	_, degraded := server.Failure()
	assert.True(t, degraded)
	assert.True(t, server.Degraded())

	// A success resets everything.
	server.Success()
	assert.False(t, server.Degraded())
	_, backingOff = server.BackoffInfo()
	assert.False(t, backingOff)
	assert.Equal(t, uint32(1), server.SuccessCount())
}

func TestBackoffIsCapped(t *testing.T) {
	stats := NewStatistics(0)
	server := stats.ForServer("slow.test")
	var until time.Time
	for i := 0; i < 64; i++ {
		until, _ = server.Failure()
	}
	// The cap is about an hour; jitter adds at most a quarter on top.
	assert.LessOrEqual(t, time.Until(until), backoffCap+backoffCap/4+time.Minute)
}

func TestForServerReturnsSameTracker(t *testing.T) {
	stats := NewStatistics(3)
	a := stats.ForServer("one.test")
	b := stats.ForServer("one.test")
	assert.Same(t, a, b)
}

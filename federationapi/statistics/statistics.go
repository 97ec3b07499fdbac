// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/spire/matrix"
)

// Statistics contains information about all of the remote federated hosts
// that we have interacted with. It is basically a threadsafe wrapper.
type Statistics struct {
	servers map[matrix.ServerName]*ServerStatistics
	mutex   sync.RWMutex

	// How many consecutive failures are tolerated before the destination
	// is reported as degraded? Being degraded is returned by Failure and
	// logged; it does not change the send rate, which is governed by the
	// backoff alone. The backoff is exponential, so the time spent backing
	// off increases exponentially as the failures increase.
	FailuresUntilDegraded uint32
}

// NewStatistics creates the tracker.
func NewStatistics(failuresUntilDegraded uint32) Statistics {
	return Statistics{
		servers:               map[matrix.ServerName]*ServerStatistics{},
		FailuresUntilDegraded: failuresUntilDegraded,
	}
}

// ForServer returns the statistics for a given remote server.
func (s *Statistics) ForServer(serverName matrix.ServerName) *ServerStatistics {
	s.mutex.RLock()
	server, found := s.servers[serverName]
	s.mutex.RUnlock()
	if !found {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if server, found = s.servers[serverName]; !found {
			server = &ServerStatistics{
				statistics: s,
				serverName: serverName,
			}
			s.servers[serverName] = server
		}
	}
	return server
}

// ServerStatistics contains information about our interactions with a
// remote federated host: how many times we are backing off, and the
// time at which the backoff expires.
type ServerStatistics struct {
	statistics     *Statistics
	serverName     matrix.ServerName
	backoffStarted atomic.Bool   // is the backoff started
	backoffUntil   atomic.Time   // time when the backoff interval ends
	backoffCount   atomic.Uint32 // number of consecutive failures
	successCounter atomic.Uint32 // how many times have we succeeded?
}

// Backoff parameters: the base interval is 1 second and doubles per
// consecutive failure, capped at roughly an hour.
const (
	backoffBase = time.Second
	backoffCap  = time.Hour
)

// Success marks the destination as working again: the backoff resets.
func (s *ServerStatistics) Success() {
	s.successCounter.Inc()
	s.backoffStarted.Store(false)
	s.backoffCount.Store(0)
}

// Failure marks a failure and works out when to backoff until. It returns
// the time that the backoff will end, along with whether the destination
// is now considered degraded.
func (s *ServerStatistics) Failure() (time.Time, bool) {
	// Increase the fail counter.
	count := s.backoffCount.Inc()

	// Work out when we should wait until: the duration doubles per failure
	// with jitter so that a fleet of queues does not thunder all at once.
	// 2^count seconds overflows a Duration from 34 failures on; from 32
	// failures it is far above the cap anyway, so the cap applies directly.
	duration := backoffCap
	if count < 32 {
		duration = time.Duration(math.Exp2(float64(count))) * backoffBase / 2
	}
	if duration > backoffCap {
		duration = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(duration)/4 + 1)) // nolint: gosec
	until := time.Now().Add(duration + jitter)
	s.backoffUntil.Store(until)
	s.backoffStarted.Store(true)

	degraded := s.Degraded()
	if degraded {
		logrus.WithField("server_name", s.serverName).WithField("failures", count).Warn("Remote server is degraded")
	}
	return until, degraded
}

// BackoffInfo returns the current backoff time, and whether the backoff is
// in effect.
func (s *ServerStatistics) BackoffInfo() (time.Time, bool) {
	until := s.backoffUntil.Load()
	return until, s.backoffStarted.Load() && time.Now().Before(until)
}

// BackoffIfRequired waits out the backoff, if one is in effect. The wait is
// aborted when the interrupt channel fires (e.g. new events arrived, or we
// are shutting down).
func (s *ServerStatistics) BackoffIfRequired(interrupt <-chan bool) {
	until, backingOff := s.BackoffInfo()
	if !backingOff {
		return
	}
	select {
	case <-time.After(time.Until(until)):
	case <-interrupt:
	}
}

// Degraded returns whether the destination has spent its failure budget.
func (s *ServerStatistics) Degraded() bool {
	if s.statistics == nil || s.statistics.FailuresUntilDegraded == 0 {
		return false
	}
	return s.backoffCount.Load() >= s.statistics.FailuresUntilDegraded
}

// SuccessCount returns the number of successful sends to the destination.
func (s *ServerStatistics) SuccessCount() uint32 {
	return s.successCounter.Load()
}

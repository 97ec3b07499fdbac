// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spire",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spire",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits applies a token-bucket rate limiter per caller. Callers are
// distinguished by access token when present and by remote address otherwise.
type RateLimits struct {
	limits        map[string]*limiterEntry
	mutex         sync.RWMutex
	enabled       bool
	threshold     int64
	cooloff       time.Duration
	exemptUserIDs map[string]struct{}
}

// NewRateLimits creates the limiter and starts the idle-entry reaper.
func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:        make(map[string]*limiterEntry),
		enabled:       cfg.Enabled,
		threshold:     cfg.Threshold,
		cooloff:       time.Duration(cfg.CooloffMS) * time.Millisecond,
		exemptUserIDs: map[string]struct{}{},
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

func (l *RateLimits) clean() {
	for {
		time.Sleep(time.Minute)
		l.mutex.Lock()
		for key, entry := range l.limits {
			if time.Since(entry.lastSeen) > time.Minute*5 {
				delete(l.limits, key)
			}
		}
		l.mutex.Unlock()
	}
}

func (l *RateLimits) limiterForCaller(caller string) *rate.Limiter {
	l.mutex.RLock()
	entry, ok := l.limits[caller]
	l.mutex.RUnlock()
	if ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if entry, ok = l.limits[caller]; ok {
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Every(l.cooloff), int(l.threshold))
	l.limits[caller] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Limit returns a non-nil JSONResponse if the request should be rejected.
func (l *RateLimits) Limit(req *http.Request, endpoint string) *util.JSONResponse {
	if !l.enabled {
		return nil
	}

	caller := req.RemoteAddr
	if token, err := ExtractAccessToken(req); err == nil {
		caller = token
	}

	if userID := req.URL.Query().Get("user_id"); userID != "" {
		if _, ok := l.exemptUserIDs[userID]; ok {
			return nil
		}
	}

	if !l.limiterForCaller(caller).Allow() {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: jsonerror.LimitExceeded("You are sending too many requests too quickly!", l.cooloff.Milliseconds()),
		}
	}

	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/embedchat/services/gateway/observability"
)

// limiterIdleTTL is how long an unused subject limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per subject.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*subjectLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type subjectLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per subject with the given burst.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*subjectLimiter),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow consumes one token for subject. When refused it returns how long
// until a token is available.
func (r *RateLimiter) Allow(subject string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	sl, ok := r.limiters[subject]
	if !ok {
		sl = &subjectLimiter{lim: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[subject] = sl
	}
	sl.lastSeen = now

	res := sl.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Len returns the number of tracked subjects.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// sweep drops idle limiters at most once per TTL. Caller holds mu.
func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < limiterIdleTTL {
		return
	}
	r.lastSweep = now
	for subject, sl := range r.limiters {
		if now.Sub(sl.lastSeen) >= limiterIdleTTL {
			delete(r.limiters, subject)
		}
	}
}

// RateLimitMiddleware refuses requests over the caller's budget with 429.
// It must run after IdentityMiddleware; requests without an assertion pass
// through untouched.
func RateLimitMiddleware(rl *RateLimiter, metrics *observability.StreamingMetrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		a := GetAssertion(c)
		if a == nil {
			c.Next()
			return
		}
		ok, wait := rl.Allow(a.Subject)
		if !ok {
			if metrics != nil {
				metrics.RecordRateLimited()
			}
			logger.Warn("rate limit exceeded",
				slog.String("subject", a.Subject),
				slog.String("path", c.FullPath()))
			if wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/element-hq/identity/setup/config"
)

// Idle client limiters are dropped after this long.
const limiterIdleExpiry = 10 * time.Minute

// RateLimits admits requests from each client IP at a steady rate.
type RateLimits struct {
	enabled  bool
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters *cache.Cache // client IP -> *rate.Limiter
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	return &RateLimits{
		enabled:  cfg.Enabled,
		limit:    rate.Limit(cfg.PerSecond),
		burst:    cfg.Burst,
		limiters: cache.New(limiterIdleExpiry, limiterIdleExpiry/2),
	}
}

// Limit returns a 429 response if the client has made too many requests.
func (l *RateLimits) Limit(req *http.Request) *util.JSONResponse {
	if l == nil || !l.enabled {
		return nil
	}
	ip := clientIP(req)

	l.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := l.limiters.Get(ip); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	// refresh the expiry
	l.limiters.SetDefault(ip, limiter)
	l.mu.Unlock()

	if limiter.Allow() {
		return nil
	}
	retryAfter := time.Duration(float64(time.Second) / float64(l.limit))
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are sending too many requests too quickly!", retryAfter.Milliseconds()),
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

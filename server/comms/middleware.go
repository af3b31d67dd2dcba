// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimiter is used to track an IP's request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// getIPLimiter gets the ipRateLimiter for the IP, creating it if it doesn't
// exist.
func (s *Server) getIPLimiter(ip netip.Addr) *ipRateLimiter {
	s.rateLimiterMtx.Lock()
	defer s.rateLimiterMtx.Unlock()
	limiter := s.ipRateLimiters[ip]
	if limiter != nil {
		limiter.lastHit = time.Now()
		return limiter
	}
	limiter = &ipRateLimiter{
		Limiter: rate.NewLimiter(s.ipRate, s.ipBurst),
		lastHit: time.Now(),
	}
	s.ipRateLimiters[ip] = limiter
	return limiter
}

// pruneIPLimiters forgets limiters that have not been hit recently.
func (s *Server) pruneIPLimiters(idle time.Duration) {
	s.rateLimiterMtx.Lock()
	defer s.rateLimiterMtx.Unlock()
	for ip, limiter := range s.ipRateLimiters {
		if time.Since(limiter.lastHit) > idle {
			delete(s.ipRateLimiters, ip)
		}
	}
}

// LimitRate is rate-limiting middleware for the HTTP endpoint.
func (s *Server) LimitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := s.meterIP(clientKey(r.RemoteAddr))
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// meterIP applies the global and per-IP rate limiters. Both HTTP and
// websocket requests from the same IP share a limiter.
func (s *Server) meterIP(ip netip.Addr) (int, error) {
	if s.ipRate == rate.Inf {
		return 0, nil
	}
	if !s.globalLimiter.Allow() {
		return http.StatusServiceUnavailable, fmt.Errorf("too many global requests")
	}
	if !s.getIPLimiter(ip).Allow() {
		return http.StatusTooManyRequests, fmt.Errorf("too many requests")
	}
	return 0, nil
}

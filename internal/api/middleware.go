package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type contextKey string

const subjectContextKey contextKey = "subject"

// tokenAuthMiddleware resolves the bearer token to a subject and rejects
// the request before any handler side effects when the token is missing,
// malformed or expired.
func (s *Server) tokenAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeErrorKind(w, http.StatusUnauthorized, kindAuthentication, "missing bearer token")
			return
		}
		subject, err := s.issuer.Validate(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectContextKey).(string); ok {
		return subject
	}
	return ""
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		limiter := s.getRateLimiter(ip)
		if !limiter.Allow() {
			writeErrorKind(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	peerIP := peerIPFromRemoteAddr(r.RemoteAddr)
	trustProxy := peerIP != nil && (peerIP.IsLoopback() || peerIP.IsPrivate())

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && trustProxy {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func peerIPFromRemoteAddr(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// remoteAddr may already be just a host.
		host = remoteAddr
	}
	return net.ParseIP(host)
}

func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	if entry, ok := s.rateLimiters[ip]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	ratePerMinute := 60
	if s.cfg.API.RateLimitPerMinute > 0 {
		ratePerMinute = s.cfg.API.RateLimitPerMinute
	}
	limit := rate.Limit(float64(ratePerMinute) / 60.0)
	burst := ratePerMinute
	limiter := rate.NewLimiter(limit, burst)
	s.rateLimiters[ip] = &rateLimiterEntry{limiter: limiter, lastSeen: time.Now()}

	if len(s.rateLimiters) > 1000 {
		cutoff := time.Now().Add(-5 * time.Minute)
		for key, entry := range s.rateLimiters {
			if entry.lastSeen.Before(cutoff) {
				delete(s.rateLimiters, key)
			}
		}
	}

	return limiter
}

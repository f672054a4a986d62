package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type addressKey struct{}

// ClientAddress returns the client address resolved for the request.
func ClientAddress(ctx context.Context) string {
	if addr, ok := ctx.Value(addressKey{}).(string); ok {
		return addr
	}
	return security.UnknownAddress
}

func (s *Server) clientAddress(r *http.Request) string {
	if s.config.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if addr := strings.TrimSpace(first); addr != "" {
				return addr
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return security.UnknownAddress
	}
	return host
}

func (s *Server) clientAddressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), addressKey{}, s.clientAddress(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(s.config.AllowOrigins) > 0 && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the status code and body size.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the audit stream upgrade through the tracking middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// trackingMiddleware feeds every request outcome to the API monitor and the
// metrics exporter.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		sw := &statusWriter{ResponseWriter: w}

		var userID string
		ctx := context.WithValue(r.Context(), userKey{}, &userID)
		next.ServeHTTP(sw, r.WithContext(ctx))

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		elapsed := s.clock().Sub(start)
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		s.components.APIs.TrackRequest(security.APIRequest{
			Timestamp:     start,
			Endpoint:      endpoint,
			Method:        r.Method,
			StatusCode:    sw.status,
			ResponseTime:  elapsed,
			SourceAddress: ClientAddress(r.Context()),
			UserID:        userID,
			UserAgent:     r.UserAgent(),
			SizeBytes:     sw.size,
		})
		if s.components.Metrics != nil {
			s.components.Metrics.ObserveHTTP(r.Method, sw.status, elapsed)
		}

		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.Int("status", sw.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// blocklistMiddleware rejects addresses on the login monitor's blocklist.
func (s *Server) blocklistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := ClientAddress(r.Context())
		if !s.components.Logins.IsBlocked(addr) {
			next.ServeHTTP(w, r)
			return
		}

		s.components.Audit.Record(audit.EventRequestBlocked, audit.SeverityMedium, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"reason": "source address blocked",
		}, audit.WithSourceAddress(addr))
		s.sendError(w, http.StatusForbidden, "source address blocked")
	})
}

// burstMiddleware is a process-wide token bucket in front of the per-address
// limiter.
func (s *Server) burstMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.burst.Allow() {
			w.Header().Set("Retry-After", "1")
			s.sendError(w, http.StatusTooManyRequests, "server busy")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the api policy per client address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := ClientAddress(r.Context())
		decision := s.components.Limiter.RecordAttempt(addr, security.ActionAPI)
		if s.components.Metrics != nil {
			s.components.Metrics.RecordRateLimit(string(security.ActionAPI), decision.Allowed)
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		s.components.Audit.Record(audit.EventRateLimitExceeded, audit.SeverityMedium, map[string]interface{}{
			"action":     string(security.ActionAPI),
			"path":       r.URL.Path,
			"violations": decision.Violations,
		}, audit.WithSourceAddress(addr))
		s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

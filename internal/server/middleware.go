package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimiter is a token bucket per client IP, unchanged in shape from the
// teacher's internal/node/middleware.go.
type RateLimiter struct {
	buckets map[string]*tokenBucket
	mutex   sync.RWMutex
	rate    int
	burst   int
	cleanup chan struct{}
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(rate, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   burst,
		cleanup: make(chan struct{}),
	}
	go rl.cleanupStaleEntries()
	return rl
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mutex.Lock()
	bucket, exists := rl.buckets[ip]
	if !exists {
		bucket = &tokenBucket{tokens: rl.burst, lastRefill: time.Now()}
		rl.buckets[ip] = bucket
	}
	rl.mutex.Unlock()

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.rate))
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastRefill = now
	}
	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupStaleEntries() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mutex.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, bucket := range rl.buckets {
				bucket.mutex.Lock()
				if bucket.lastRefill.Before(cutoff) {
					delete(rl.buckets, ip)
				}
				bucket.mutex.Unlock()
			}
			rl.mutex.Unlock()
		case <-rl.cleanup:
			return
		}
	}
}

func (rl *RateLimiter) Close() { close(rl.cleanup) }

// SecurityMiddleware rate-limits and caps the size of admin API requests —
// an operator surface, not a public data plane, so the teacher's bot/UA
// sniffing (sqlmap/nikto/... signatures) doesn't carry over; only the
// rate-limit and request-size guards apply here.
type SecurityMiddleware struct {
	rateLimiter    *RateLimiter
	maxRequestSize int64
	metrics        *securityMetrics
}

type securityMetrics struct {
	rateLimitedRequests prometheus.Counter
	oversizedRequests   prometheus.Counter
}

func NewSecurityMiddleware(reg prometheus.Registerer, rateLimit, burst int, maxRequestSize int64) *SecurityMiddleware {
	metrics := &securityMetrics{
		rateLimitedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustermesh_admin_rate_limited_requests_total",
			Help: "Total number of rate-limited admin API requests.",
		}),
		oversizedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustermesh_admin_oversized_requests_total",
			Help: "Total number of oversized admin API requests rejected.",
		}),
	}
	reg.MustRegister(metrics.rateLimitedRequests, metrics.oversizedRequests)

	return &SecurityMiddleware{
		rateLimiter:    NewRateLimiter(rateLimit, burst),
		maxRequestSize: maxRequestSize,
		metrics:        metrics,
	}
}

func (sm *SecurityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")

		clientIP := sm.clientIP(r)
		if !sm.rateLimiter.Allow(clientIP) {
			sm.metrics.rateLimitedRequests.Inc()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.ContentLength > sm.maxRequestSize {
			sm.metrics.oversizedRequests.Inc()
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (sm *SecurityMiddleware) clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (sm *SecurityMiddleware) Close() { sm.rateLimiter.Close() }

// MaxRequestSizeMiddleware caps the decoded request body independently of
// the SecurityMiddleware's Content-Length precheck.
func MaxRequestSizeMiddleware(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// TimeoutMiddleware bounds handler execution, guarding against a stalled
// AdminAPI call (e.g. waiting on a wedged engine lock).
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "Request timeout")
	}
}

// instrumentedResponseWriter captures the status code for metrics, the same
// wrapper the teacher uses in internal/node/server.go.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *instrumentedResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrumentHandler(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)
		duration := time.Since(start).Seconds()
		s.metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
		s.metrics.RequestTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
	}
}

// Package ratelimit throttles API clients with a per-IP token bucket.
// Scoring endpoints draw more tokens than lookups.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "walletrisk",
	Subsystem: "ratelimit",
	Name:      "rejections_total",
	Help:      "Requests rejected by the rate limiter, by route.",
}, []string{"route"})

func init() {
	prometheus.MustRegister(rejections)
}

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained token refill rate per client.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
	// Costs overrides the one-token cost of specific routes, keyed by
	// "METHOD fullpath" (e.g. "POST /v1/risk/score").
	Costs map[string]int
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		Costs: map[string]int{
			"POST /v1/risk/score": 5,
			"POST /v1/runs":       10,
		},
	}
}

// Limiter tracks token buckets by client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// WithClock overrides the time source. Used in tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key, 1)
	return ok
}

// Take tries to remove cost tokens from key's bucket. When it fails it
// returns how long until enough tokens will have accumulated.
func (l *Limiter) Take(key string, cost int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.cfg.BurstSize)
	need := math.Min(float64(cost), burst)

	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: burst, lastCheck: now}
		l.clients[key] = b
	}

	rate := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.lastCheck).Seconds()*rate)
	b.lastCheck = now

	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	if rate <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((need - b.tokens) / rate * float64(time.Second))
	return false, wait
}

func (l *Limiter) cost(c *gin.Context) int {
	if n, ok := l.cfg.Costs[c.Request.Method+" "+c.FullPath()]; ok && n > 0 {
		return n
	}
	return 1
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Take(c.ClientIP(), l.cost(c))
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			rejections.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

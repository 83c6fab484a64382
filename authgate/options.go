package authgate

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Store holds the current key set snapshot. Implementations must be safe for
// concurrent use and make a Set visible to the next Get.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, v any) bool
	Del(key string)
}

// MetricsCollector receives authorization outcome counters.
// All methods must be safe for concurrent use.
// Implementations never receive tokens or claims.
type MetricsCollector interface {
	AuthorizationOK()
	AuthorizationFailed(code Code)
}

type Option func(*Gate)

// WithHTTPClient sets the client used for key set fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gate) {
		g.httpc = c
	}
}

// WithStore replaces the default ristretto-backed key set store.
func WithStore(s Store) Option {
	return func(g *Gate) {
		g.store = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

func WithMetrics(m MetricsCollector) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithClock sets the clock used for token expiry and key set age.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

package config

import "time"

// RouteKind says what a matched route dispatches to.
type RouteKind int

const (
	KindUpstream RouteKind = iota // forward to a named upstream
	KindStatic                    // serve from a directory on disk
)

// Route is a path-prefix match plus its action. Routes keep the order they
// were declared in; dispatch is longest-prefix-wins with declaration order
// breaking ties.
type Route struct {
	Name       string
	PathPrefix string // must start with "/"
	Kind       RouteKind

	StaticRoot string // Kind == KindStatic: directory to serve from
	Upstream   string // Kind == KindUpstream: Upstream.Name

	// MaxBodySize caps the request body in bytes. 0 = unlimited.
	// Resolved at load time: route-level value, else the global one.
	MaxBodySize int64

	PreserveHost    bool   // keep the inbound Host instead of server_name
	HostRewrite     string // if set, overrides PreserveHost
	RedirectRewrite bool   // rewrite upstream host in 3xx Location headers

	RateLimit *RateLimitConfig
	Auth      *AuthConfig
}

// RateLimitConfig is a per-route token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// AuthConfig enables htpasswd basic auth on a route.
type AuthConfig struct {
	HtpasswdFile string
	Realm        string
}

// Upstream is a single backend target. One target per upstream, matching the
// single-backend block of the deployment this gateway fronts; there is no
// balancing or cross-target retry.
type Upstream struct {
	Name    string
	Address string // host:port
	Pool    PoolConfig
}

// PoolConfig tunes the per-upstream connection pool.
type PoolConfig struct {
	MaxIdle     int
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// AccessLogConfig controls the JSON access log.
type AccessLogConfig struct {
	Sampling float64  // 0..1, fraction of requests logged; >=1 logs all
	Fields   []string // if non-empty, restrict entries to these fields
}

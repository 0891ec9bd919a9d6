// Package gateway wires dispatch, the static resolver and the upstream
// connectors into the front http.Handler.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fabian4/webfront-go/internal/auth"
	"github.com/fabian4/webfront-go/internal/config"
	"github.com/fabian4/webfront-go/internal/guard"
	"github.com/fabian4/webfront-go/internal/metrics"
	"github.com/fabian4/webfront-go/internal/proxy"
	"github.com/fabian4/webfront-go/internal/ratelimit"
	"github.com/fabian4/webfront-go/internal/rewrite"
	"github.com/fabian4/webfront-go/internal/router"
	"github.com/fabian4/webfront-go/internal/static"
)

// state is the immutable snapshot the gateway serves from. Configuration is
// loaded once at startup; changing it means restarting the process.
type state struct {
	routes     *router.Table
	serverName string
	accessLog  config.AccessLogConfig
	connectors map[string]*proxy.Connector // by upstream name
	statics    map[string]*static.Resolver // by route name
	auths      map[string]*auth.Basic      // by route name
}

type Gateway struct {
	state     *state
	AccessLog io.Writer
	Metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
}

var _ http.Handler = (*Gateway)(nil)

// New builds the gateway from a validated config snapshot. htpasswd files
// are loaded here so a bad one fails startup, not a request.
func New(c *config.Config, accessLog io.Writer, m *metrics.Registry) (*Gateway, error) {
	if accessLog == nil {
		accessLog = io.Discard
	}
	st := &state{
		routes:     router.New(c.Routes),
		serverName: c.ServerName,
		accessLog:  c.AccessLog,
		connectors: make(map[string]*proxy.Connector),
		statics:    make(map[string]*static.Resolver),
		auths:      make(map[string]*auth.Basic),
	}
	for name, u := range c.Upstreams {
		st.connectors[name] = proxy.New(u, c.Timeouts.Upstream)
	}
	for _, rt := range c.Routes {
		if rt.Kind == config.KindStatic {
			st.statics[rt.Name] = static.NewResolver(rt.StaticRoot)
		}
		if rt.Auth != nil {
			b, err := auth.Load(rt.Auth.HtpasswdFile, rt.Auth.Realm)
			if err != nil {
				return nil, err
			}
			st.auths[rt.Name] = b
		}
	}
	return &Gateway{
		state:     st,
		AccessLog: accessLog,
		Metrics:   m,
		limiter:   ratelimit.NewLimiter(),
	}, nil
}

// Close releases pooled upstream connections.
func (g *Gateway) Close() {
	for _, c := range g.state.connectors {
		c.Pool().CloseIdle()
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.state

	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	var routeName, upstreamName string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		if st.accessLog.Sampling >= 1.0 || rand.Float64() <= st.accessLog.Sampling {
			entry := AccessLog{
				Time:         start,
				Method:       r.Method,
				Path:         r.URL.Path,
				Protocol:     r.Proto,
				Status:       status,
				Duration:     duration.Milliseconds(),
				RemoteIP:     r.RemoteAddr,
				UserAgent:    r.UserAgent(),
				Referer:      r.Referer(),
				Route:        routeName,
				Upstream:     upstreamName,
				BytesWritten: lw.bytes,
			}
			if err := json.NewEncoder(g.AccessLog).Encode(entry.restrict(st.accessLog.Fields)); err != nil {
				log.Printf("access log: %v", err)
			}
		}

		if g.Metrics != nil {
			g.Metrics.IncRequest(routeName, upstreamName, r.Method, strconv.Itoa(status))
			g.Metrics.ObserveLatency(routeName, upstreamName, duration)
		}
	}()

	route := st.routes.Match(r.URL.Path)
	if route == nil {
		// config validation guarantees a catch-all; this is a belt for
		// hand-built tables in tests
		http.NotFound(lw, r)
		return
	}
	routeName = route.Name

	if a := st.auths[route.Name]; a != nil && !a.Authorize(r) {
		a.Challenge(lw)
		return
	}
	if rl := route.RateLimit; rl != nil && !g.limiter.Allow(route.Name, rl.RequestsPerSecond, rl.Burst) {
		http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if route.Kind == config.KindStatic {
		st.statics[route.Name].Serve(lw, r, strings.TrimPrefix(r.URL.Path, route.PathPrefix))
		return
	}

	upstreamName = route.Upstream
	conn := st.connectors[route.Upstream]

	if g.Metrics != nil {
		g.Metrics.IncInFlight(routeName)
		defer g.Metrics.DecInFlight(routeName)
	}

	// declared-length bodies over the limit are refused before a single
	// byte goes upstream; undeclared ones are guarded while streaming
	if route.MaxBodySize > 0 && r.ContentLength > route.MaxBodySize {
		http.Error(lw, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	rules := rewrite.Rules{
		ServerName:      st.serverName,
		PreserveHost:    route.PreserveHost,
		HostRewrite:     route.HostRewrite,
		RedirectRewrite: route.RedirectRewrite,
		UpstreamHost:    conn.Target(),
	}
	out := rewrite.Outbound(r, rules)
	if out.Body != nil {
		out.Body = guard.Body(out.Body, route.MaxBodySize)
	}

	err := conn.Forward(lw, out, func(res *http.Response) {
		rewrite.Inbound(res, rules)
	})

	if g.Metrics != nil {
		g.Metrics.SetPoolIdle(route.Upstream, conn.Pool().IdleCount())
		g.Metrics.SetUpstreamUp(route.Upstream, conn.Pool().Up())
	}

	if err != nil {
		log.Printf("upstream %s: %v", conn.Target(), err)
		if lw.statusCode != 0 {
			// response already committed; nothing left but aborting the body
			return
		}
		switch {
		case errors.Is(err, guard.ErrRequestTooLarge):
			http.Error(lw, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		case errors.Is(err, proxy.ErrUpstreamTimeout):
			http.Error(lw, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
		default:
			http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		}
	}
}

// --- access log ---

type AccessLog struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Route        string    `json:"route,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

// restrict narrows the entry to the configured field list, if any.
func (e AccessLog) restrict(fields []string) any {
	if len(fields) == 0 {
		return e
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "time":
			m[f] = e.Time
		case "method":
			m[f] = e.Method
		case "path":
			m[f] = e.Path
		case "protocol":
			m[f] = e.Protocol
		case "status":
			m[f] = e.Status
		case "duration_ms":
			m[f] = e.Duration
		case "remote_ip":
			m[f] = e.RemoteIP
		case "user_agent":
			m[f] = e.UserAgent
		case "referer":
			m[f] = e.Referer
		case "route":
			m[f] = e.Route
		case "upstream":
			m[f] = e.Upstream
		case "bytes_written":
			m[f] = e.BytesWritten
		}
	}
	return m
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

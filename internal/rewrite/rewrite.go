// Package rewrite normalizes headers crossing the gateway in both
// directions: hop-by-hop stripping, X-Forwarded-* synthesis and the Host
// policy on the way to the upstream, Location policy on the way back.
package rewrite

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Rules captures the per-route header policy.
type Rules struct {
	ServerName      string // externally visible virtual host
	PreserveHost    bool   // keep the inbound Host instead of ServerName
	HostRewrite     string // if set, overrides PreserveHost
	RedirectRewrite bool   // rewrite UpstreamHost in 3xx Location headers
	UpstreamHost    string // host:port of the target, for Location rewriting
}

// Outbound derives the upstream request from the inbound one: same method,
// path and body, cloned headers with hop-by-hop fields dropped and
// forwarding headers set. The inbound request is left untouched.
func Outbound(r *http.Request, rules Rules) *http.Request {
	out := r.Clone(r.Context())
	out.URL = &url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	out.RequestURI = ""
	out.Close = false

	DropHopByHop(out.Header)
	appendXFF(out.Header, r.RemoteAddr)
	out.Header.Set("X-Forwarded-Host", rules.ServerName)
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	// Host policy: the configured server name by default, never the raw
	// inbound Host, so upstream vhost routing cannot be steered by clients.
	switch {
	case rules.HostRewrite != "":
		out.Host = rules.HostRewrite
	case rules.PreserveHost:
		out.Host = r.Host
	default:
		out.Host = rules.ServerName
	}
	return out
}

// Inbound adjusts an upstream response before it is relayed. Location
// headers pass through verbatim (proxy_redirect off) unless the route opted
// into rewriting, in which case the upstream's own host is swapped for the
// server name on redirects.
func Inbound(res *http.Response, rules Rules) {
	DropHopByHop(res.Header)
	if !rules.RedirectRewrite {
		return
	}
	if res.StatusCode < 300 || res.StatusCode >= 400 {
		return
	}
	loc := res.Header.Get("Location")
	if loc == "" || rules.UpstreamHost == "" {
		return
	}
	if strings.Contains(loc, rules.UpstreamHost) {
		res.Header.Set("Location", strings.Replace(loc, rules.UpstreamHost, rules.ServerName, 1))
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// DropHopByHop removes connection-scoped headers: everything named in
// Connection plus the well-known set.
func DropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}

func appendXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

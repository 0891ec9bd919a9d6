package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type rawConfig struct {
	EntryPoint []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`
	ServerName  string `yaml:"server_name"`
	MaxBodySize string `yaml:"max_body_size"`
	AccessLog   struct {
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	Upstreams []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
		Pool    struct {
			MaxIdle     int    `yaml:"max_idle"`
			IdleTimeout string `yaml:"idle_timeout"`
			DialTimeout string `yaml:"dial_timeout"`
		} `yaml:"pool"`
	} `yaml:"upstreams"`
	Routes []struct {
		Name  string `yaml:"name"`
		Match struct {
			PathPrefix string `yaml:"path_prefix"`
		} `yaml:"match"`
		StaticRoot  string  `yaml:"static_root"`
		Upstream    string  `yaml:"upstream"`
		MaxBodySize *string `yaml:"max_body_size"`
		Options     struct {
			PreserveHost    bool   `yaml:"preserve_host"`
			HostRewrite     string `yaml:"host_rewrite"`
			RedirectRewrite bool   `yaml:"redirect_rewrite"`
		} `yaml:"options"`
		RateLimit *struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		Auth *struct {
			HtpasswdFile string `yaml:"htpasswd_file"`
			Realm        string `yaml:"realm"`
		} `yaml:"auth"`
	} `yaml:"routes"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
}

type Config struct {
	Listen      string
	MetricsAddr string // empty = metrics listener disabled
	ServerName  string
	Upstreams   map[string]Upstream
	Routes      []Route // declaration order preserved
	AccessLog   AccessLogConfig
	Timeouts    Timeouts
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

// Load reads the YAML config file into an immutable snapshot and validates
// it. A .env file next to the process, if present, provides WEBFRONT_*
// overrides for the deployment-specific knobs (the compose setups this
// gateway ships in keep those in .env).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listen
	listen := ":8080"
	if len(rc.EntryPoint) > 0 && strings.TrimSpace(rc.EntryPoint[0].Address) != "" {
		listen = strings.TrimSpace(rc.EntryPoint[0].Address)
	}
	if v := os.Getenv("WEBFRONT_LISTEN"); v != "" {
		listen = v
	}
	metricsAddr := strings.TrimSpace(rc.Metrics.Address)
	if v := os.Getenv("WEBFRONT_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	serverName := strings.TrimSpace(rc.ServerName)
	if v := os.Getenv("WEBFRONT_SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		return nil, fmt.Errorf("server_name is required")
	}

	globalLimit := int64(0)
	if s := strings.TrimSpace(rc.MaxBodySize); s != "" {
		globalLimit, err = ParseSize(s)
		if err != nil {
			return nil, fmt.Errorf("max_body_size: %v", err)
		}
	}

	// upstreams
	ups := make(map[string]Upstream)
	for i, u := range rc.Upstreams {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, fmt.Errorf("upstreams[%d]: name is required", i)
		}
		addr := strings.TrimSpace(u.Address)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("upstreams[%d]: address must be host:port: %v", i, err)
		}
		if _, dup := ups[name]; dup {
			return nil, fmt.Errorf("upstreams: duplicate name %q", name)
		}
		pc := PoolConfig{MaxIdle: u.Pool.MaxIdle}
		if pc.MaxIdle < 0 {
			return nil, fmt.Errorf("upstreams[%d]: pool.max_idle must be >= 0", i)
		}
		if pc.IdleTimeout, err = optDuration(u.Pool.IdleTimeout); err != nil {
			return nil, fmt.Errorf("upstreams[%d]: pool.idle_timeout: %v", i, err)
		}
		if pc.DialTimeout, err = optDuration(u.Pool.DialTimeout); err != nil {
			return nil, fmt.Errorf("upstreams[%d]: pool.dial_timeout: %v", i, err)
		}
		ups[name] = Upstream{Name: name, Address: addr, Pool: pc}
	}

	// routes, in declaration order
	var routes []Route
	seenPrefix := make(map[string]bool)
	seenName := make(map[string]bool)
	haveCatchAll := false
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		if seenName[name] {
			return nil, fmt.Errorf("routes[%d]: duplicate name %q", i, name)
		}
		seenName[name] = true
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("routes[%d]: path_prefix must start with '/'", i)
		}
		if seenPrefix[pfx] {
			return nil, fmt.Errorf("routes[%d]: duplicate path_prefix %q", i, pfx)
		}
		seenPrefix[pfx] = true

		rt := Route{
			Name:            name,
			PathPrefix:      pfx,
			MaxBodySize:     globalLimit,
			PreserveHost:    r.Options.PreserveHost,
			HostRewrite:     strings.TrimSpace(r.Options.HostRewrite),
			RedirectRewrite: r.Options.RedirectRewrite,
		}
		if r.MaxBodySize != nil {
			rt.MaxBodySize, err = ParseSize(strings.TrimSpace(*r.MaxBodySize))
			if err != nil {
				return nil, fmt.Errorf("routes[%d]: max_body_size: %v", i, err)
			}
		}

		root := strings.TrimSpace(r.StaticRoot)
		upstream := strings.TrimSpace(r.Upstream)
		switch {
		case root != "" && upstream != "":
			return nil, fmt.Errorf("routes[%d]: static_root and upstream are mutually exclusive", i)
		case root != "":
			fi, err := os.Stat(root)
			if err != nil {
				return nil, fmt.Errorf("routes[%d]: static_root: %v", i, err)
			}
			if !fi.IsDir() {
				return nil, fmt.Errorf("routes[%d]: static_root %q is not a directory", i, root)
			}
			rt.Kind = KindStatic
			rt.StaticRoot = root
		case upstream != "":
			if _, ok := ups[upstream]; !ok {
				return nil, fmt.Errorf("routes[%d]: upstream=%q not found in upstreams", i, upstream)
			}
			rt.Kind = KindUpstream
			rt.Upstream = upstream
			if pfx == "/" {
				haveCatchAll = true
			}
		default:
			return nil, fmt.Errorf("routes[%d]: one of static_root or upstream is required", i)
		}

		if r.RateLimit != nil {
			if r.RateLimit.RequestsPerSecond <= 0 {
				return nil, fmt.Errorf("routes[%d]: rate_limit.requests_per_second must be > 0", i)
			}
			burst := r.RateLimit.Burst
			if burst <= 0 {
				burst = 1
			}
			rt.RateLimit = &RateLimitConfig{
				RequestsPerSecond: r.RateLimit.RequestsPerSecond,
				Burst:             burst,
			}
		}
		if r.Auth != nil {
			file := strings.TrimSpace(r.Auth.HtpasswdFile)
			if file == "" {
				return nil, fmt.Errorf("routes[%d]: auth.htpasswd_file is required", i)
			}
			realm := strings.TrimSpace(r.Auth.Realm)
			if realm == "" {
				realm = "Restricted"
			}
			rt.Auth = &AuthConfig{HtpasswdFile: file, Realm: realm}
		}
		routes = append(routes, rt)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}
	// Without a "/" upstream route some request path has nowhere to go; that
	// is a config error, caught here rather than surfaced per-request.
	if !haveCatchAll {
		return nil, fmt.Errorf("routes: a catch-all path_prefix=\"/\" upstream route is required")
	}

	// timeouts
	var timeouts Timeouts
	if timeouts.Read, err = optDuration(rc.Timeouts.Read); err != nil {
		return nil, fmt.Errorf("timeouts.read: %v", err)
	}
	if timeouts.Write, err = optDuration(rc.Timeouts.Write); err != nil {
		return nil, fmt.Errorf("timeouts.write: %v", err)
	}
	if timeouts.Upstream, err = optDuration(rc.Timeouts.Upstream); err != nil {
		return nil, fmt.Errorf("timeouts.upstream: %v", err)
	}

	al := AccessLogConfig{Sampling: 1.0, Fields: rc.AccessLog.Fields}
	if rc.AccessLog.Sampling != nil {
		al.Sampling = *rc.AccessLog.Sampling
	}

	return &Config{
		Listen:      listen,
		MetricsAddr: metricsAddr,
		ServerName:  serverName,
		Upstreams:   ups,
		Routes:      routes,
		AccessLog:   al,
		Timeouts:    timeouts,
	}, nil
}

func optDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ParseSize parses nginx-style size literals: plain bytes, or a k/m/g
// suffix (case-insensitive). "0" means unlimited.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must be >= 0")
	}
	return n * mult, nil
}

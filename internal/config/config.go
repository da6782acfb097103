package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// rawConfig mirrors the TOML tables named in spec.md §6 exactly; every field
// is optional because a fresh install may ship an empty file.
type rawConfig struct {
	Global        rawGlobal                  `toml:"global"`
	Servers       map[string]rawServer       `toml:"servers"`
	Services      map[string]rawService      `toml:"services"`
	LoadBalancers map[string]rawLoadBalancer `toml:"loadbalancers"`
}

type rawGlobal struct {
	Backlog       *uint32 `toml:"backlog"`
	MaxConnection *uint32 `toml:"max_connection"`
	MaxRequest    *uint32 `toml:"max_request"`
	AdminAddr     *string `toml:"admin_addr"`
}

type rawServer struct {
	HTTPPort     *uint16 `toml:"http_port"`
	HTTPSPort    *uint16 `toml:"https_port"`
	ProxyTimeout *uint32 `toml:"proxy_timeout"`
}

type rawTLS struct {
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
	Redirection *bool  `toml:"redirection"`
}

type rawHeaderOps struct {
	Set    map[string]string `toml:"set"`
	Remove []string          `toml:"remove"`
}

type rawHeaders struct {
	Request  *rawHeaderOps `toml:"request"`
	Response *rawHeaderOps `toml:"response"`
}

type rawLocation struct {
	Source     string      `toml:"source"`
	Target     string      `toml:"target"`
	ServeFiles *bool       `toml:"serve_files"`
	Headers    *rawHeaders `toml:"headers"`
}

type rawRedirection struct {
	Source string `toml:"source"`
	Target string `toml:"target"`
	Code   *int   `toml:"code"`
}

type rawService struct {
	Domain       string           `toml:"domain"`
	Server       string           `toml:"server"`
	TLS          *rawTLS          `toml:"tls"`
	Locations    []rawLocation    `toml:"locations"`
	Redirections []rawRedirection `toml:"redirections"`
}

type rawLoadBalancer struct {
	Algo     string   `toml:"algo"`
	Backends []string `toml:"backends"`
	Weights  []int    `toml:"weights"`
}

const mainServerName = "main"

// Load reads and validates the TOML file at path, producing the immutable
// Config described by spec.md §3. Every error carries the origin (service
// name / location index) spec.md §4.7 requires of boot-time failures.
func Load(path string) (*Config, error) {
	var rc rawConfig
	if _, err := toml.DecodeFile(path, &rc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return build(&rc)
}

func build(rc *rawConfig) (*Config, error) {
	cfg := &Config{
		Globals:       DefaultGlobals(),
		Servers:       map[string]Server{},
		Services:      map[string]Service{},
		LoadBalancers: map[string]LoadBalancer{},
	}

	if rc.Global.Backlog != nil {
		cfg.Globals.Backlog = int(*rc.Global.Backlog)
	}
	if rc.Global.MaxConnection != nil {
		cfg.Globals.MaxConnection = int(*rc.Global.MaxConnection)
	}
	if rc.Global.MaxRequest != nil {
		cfg.Globals.MaxRequest = int(*rc.Global.MaxRequest)
	}
	if rc.Global.AdminAddr != nil {
		cfg.Globals.AdminAddr = *rc.Global.AdminAddr
	}
	if err := validateLoopback(cfg.Globals.AdminAddr); err != nil {
		return nil, fmt.Errorf("config: global.admin_addr: %w", err)
	}

	for name, rs := range rc.Servers {
		srv := DefaultServer(name)
		if rs.HTTPPort != nil {
			srv.HTTPPort = *rs.HTTPPort
		}
		if rs.HTTPSPort != nil {
			srv.HTTPSPort = *rs.HTTPSPort
		}
		if rs.ProxyTimeout != nil {
			srv.ProxyTimeout = time.Duration(*rs.ProxyTimeout) * time.Second
		}
		cfg.Servers[name] = srv
	}
	if _, ok := cfg.Servers[mainServerName]; !ok {
		cfg.Servers[mainServerName] = DefaultServer(mainServerName)
	}

	for name, rlb := range rc.LoadBalancers {
		lb, err := buildLoadBalancer(name, rlb)
		if err != nil {
			return nil, err
		}
		cfg.LoadBalancers[name] = lb
	}

	seenDomain := map[string]string{} // "server|domain" -> service name, for uniqueness

	for name, rsvc := range rc.Services {
		svc, err := buildService(name, rsvc, cfg)
		if err != nil {
			return nil, err
		}
		key := svc.Server + "|" + svc.Domain
		if other, dup := seenDomain[key]; dup {
			return nil, fmt.Errorf("config: services %q and %q both bind domain %q on server %q",
				other, name, svc.Domain, svc.Server)
		}
		seenDomain[key] = name
		cfg.Services[name] = svc
	}

	return cfg, nil
}

// validateLoopback enforces SPEC_FULL.md §6.2's "never on the public
// HTTP(S) ports" guarantee for the admin listener: its host must resolve
// to a loopback address, not just any bindable interface.
func validateLoopback(addr string) error {
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q: host must be a loopback address (e.g. 127.0.0.1 or ::1)", addr)
	}
	return nil
}

func buildLoadBalancer(name string, rlb rawLoadBalancer) (LoadBalancer, error) {
	algo := strings.TrimSpace(rlb.Algo)
	if algo == "" {
		algo = "round_robin"
	}
	switch algo {
	case "round_robin", "ip_hash":
	default:
		return LoadBalancer{}, fmt.Errorf("config: loadbalancers.%s: unknown algo %q", name, rlb.Algo)
	}
	if len(rlb.Backends) == 0 {
		return LoadBalancer{}, fmt.Errorf("config: loadbalancers.%s: backends must not be empty", name)
	}
	if len(rlb.Weights) > 0 {
		if algo == "ip_hash" {
			return LoadBalancer{}, fmt.Errorf("config: loadbalancers.%s: weights are not supported with ip_hash", name)
		}
		if len(rlb.Weights) != len(rlb.Backends) {
			return LoadBalancer{}, fmt.Errorf("config: loadbalancers.%s: weights length (%d) must equal backends length (%d)",
				name, len(rlb.Weights), len(rlb.Backends))
		}
		for i, w := range rlb.Weights {
			if w <= 0 {
				return LoadBalancer{}, fmt.Errorf("config: loadbalancers.%s: weights[%d] must be positive, got %d", name, i, w)
			}
		}
	}
	return LoadBalancer{Name: name, Algo: algo, Backends: rlb.Backends, Weights: rlb.Weights}, nil
}

func buildService(name string, rsvc rawService, cfg *Config) (Service, error) {
	domain := strings.ToLower(strings.TrimSpace(rsvc.Domain))
	if domain == "" {
		return Service{}, fmt.Errorf("config: services.%s: domain is required", name)
	}
	serverName := strings.TrimSpace(rsvc.Server)
	if serverName == "" {
		serverName = mainServerName
	}
	if _, ok := cfg.Servers[serverName]; !ok {
		return Service{}, fmt.Errorf("config: services.%s: server %q is not defined", name, serverName)
	}

	svc := Service{Name: name, Domain: domain, Server: serverName}

	if rsvc.TLS != nil {
		if rsvc.TLS.Certificate == "" || rsvc.TLS.Key == "" {
			return Service{}, fmt.Errorf("config: services.%s.tls: certificate and key are both required", name)
		}
		if _, err := tls.LoadX509KeyPair(rsvc.TLS.Certificate, rsvc.TLS.Key); err != nil {
			return Service{}, fmt.Errorf("config: services.%s.tls: load certificate/key: %w", name, err)
		}
		redirection := true
		if rsvc.TLS.Redirection != nil {
			redirection = *rsvc.TLS.Redirection
		}
		svc.TLS = &TLS{CertificatePath: rsvc.TLS.Certificate, KeyPath: rsvc.TLS.Key, Redirection: redirection}
	}

	for i, rl := range rsvc.Locations {
		loc, err := buildLocation(rl, cfg)
		if err != nil {
			return Service{}, fmt.Errorf("config: services.%s.locations[%d]: %w", name, i, err)
		}
		svc.Locations = append(svc.Locations, loc)
	}
	for i, rr := range rsvc.Redirections {
		red, err := buildRedirection(rr)
		if err != nil {
			return Service{}, fmt.Errorf("config: services.%s.redirections[%d]: %w", name, i, err)
		}
		svc.Redirections = append(svc.Redirections, red)
	}
	if len(svc.Locations) == 0 && len(svc.Redirections) == 0 {
		return Service{}, fmt.Errorf("config: services.%s: must declare at least one location or redirection", name)
	}
	return svc, nil
}

// compilePattern implements spec.md §4.1's pattern grammar: an exact path,
// or a prefix ending in a trailing "*".
func compilePattern(source string) (PatternKind, string, error) {
	if !strings.HasPrefix(source, "/") {
		return 0, "", fmt.Errorf("source %q must start with '/'", source)
	}
	if strings.HasSuffix(source, "*") {
		key := strings.TrimSuffix(source, "*")
		if !strings.HasSuffix(key, "/") {
			return 0, "", fmt.Errorf("source %q: prefix pattern must end in '/*'", source)
		}
		return PatternPrefix, path.Clean(key) + "/", nil
	}
	return PatternExact, cleanExact(source), nil
}

func cleanExact(source string) string {
	if source == "/" {
		return "/"
	}
	cleaned := path.Clean(source)
	if strings.HasSuffix(source, "/") && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}

func buildLocation(rl rawLocation, cfg *Config) (Location, error) {
	kind, key, err := compilePattern(rl.Source)
	if err != nil {
		return Location{}, err
	}
	loc := Location{Source: rl.Source, Target: rl.Target, Kind: kind, Key: key}
	if rl.ServeFiles != nil {
		loc.ServeFiles = *rl.ServeFiles
	}
	if rl.Headers != nil {
		if rl.Headers.Request != nil {
			loc.RequestHeaders = HeaderOps{Set: rl.Headers.Request.Set, Remove: rl.Headers.Request.Remove}
		}
		if rl.Headers.Response != nil {
			loc.ResponseHeaders = HeaderOps{Set: rl.Headers.Response.Set, Remove: rl.Headers.Response.Remove}
		}
	}

	if loc.ServeFiles {
		if !path.IsAbs(rl.Target) {
			return Location{}, fmt.Errorf("target %q: serve_files location target must be an absolute directory", rl.Target)
		}
		return loc, nil
	}

	// net/url rejects '{' in a host name, so a "${name}" host is swapped
	// for a plain stand-in host before parsing.
	parseTarget, poolName := rl.Target, ""
	if scheme, rest, ok := strings.Cut(rl.Target, "://"); ok && strings.HasPrefix(rest, "${") {
		if end := strings.IndexByte(rest, '}'); end > 2 {
			poolName = rest[2:end]
			parseTarget = scheme + "://pool" + rest[end+1:]
		}
	}
	if strings.Contains(parseTarget, "${") {
		return Location{}, fmt.Errorf("target %q: a ${name} pool placeholder is only allowed as the host", rl.Target)
	}
	u, err := url.Parse(parseTarget)
	if err != nil {
		return Location{}, fmt.Errorf("target %q: %w", rl.Target, err)
	}
	if u.Scheme != "http" {
		return Location{}, fmt.Errorf("target %q: only http:// targets are supported (backend is always HTTP/1.1)", rl.Target)
	}
	if poolName != "" {
		if _, ok := cfg.LoadBalancers[poolName]; !ok {
			return Location{}, fmt.Errorf("target %q: load balancer pool %q is not defined", rl.Target, poolName)
		}
		loc.PoolName = poolName
	} else if u.Host == "" {
		return Location{}, fmt.Errorf("target %q: missing host", rl.Target)
	}
	return loc, nil
}

func buildRedirection(rr rawRedirection) (Redirection, error) {
	kind, key, err := compilePattern(rr.Source)
	if err != nil {
		return Redirection{}, err
	}
	code := 301
	if rr.Code != nil {
		code = *rr.Code
	}
	switch code {
	case 301, 302, 307, 308:
	default:
		return Redirection{}, fmt.Errorf("code %d: must be one of 301, 302, 307, 308", code)
	}
	if rr.Target == "" {
		return Redirection{}, fmt.Errorf("target is required")
	}
	return Redirection{Source: rr.Source, Target: rr.Target, Code: code, Kind: kind, Key: key}, nil
}

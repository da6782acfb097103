package config

import "time"

// Globals mirrors spec.md §3 "globals" with its documented defaults.
type Globals struct {
	Backlog       int
	MaxConnection int
	MaxRequest    int
	AdminAddr     string // loopback-only listener serving /metrics, SPEC_FULL.md §6.2
}

// DefaultGlobals returns the spec-mandated defaults.
func DefaultGlobals() Globals {
	return Globals{Backlog: 4096, MaxConnection: 1024, MaxRequest: 100, AdminAddr: "127.0.0.1:9090"}
}

// Server is one entry of spec.md §3 "servers": a pair of listen ports plus
// the per-request proxy timeout shared by every service bound to it.
type Server struct {
	Name         string
	HTTPPort     uint16
	HTTPSPort    uint16
	ProxyTimeout time.Duration
}

// DefaultServer returns the implicit "main" server's defaults.
func DefaultServer(name string) Server {
	return Server{Name: name, HTTPPort: 80, HTTPSPort: 443, ProxyTimeout: 60 * time.Second}
}

// TLS is a Service's optional TLS block.
type TLS struct {
	CertificatePath string
	KeyPath         string
	Redirection     bool
}

// HeaderOps names headers to set/override and headers to strip on a
// Location, applied after hop-by-hop stripping (see SPEC_FULL.md §10).
type HeaderOps struct {
	Set    map[string]string
	Remove []string
}

// PatternKind is the compiled shape of a Location/Redirection source.
type PatternKind int

const (
	PatternExact PatternKind = iota
	PatternPrefix
)

// Location is one entry of Service.Locations (spec.md §3).
type Location struct {
	Source         string
	Target         string
	ServeFiles     bool
	RequestHeaders HeaderOps
	ResponseHeaders HeaderOps

	// Populated by validation.
	Kind     PatternKind
	Key      string // canonicalized match key
	PoolName string // non-empty when Target's host is "${name}"
}

// Redirection is one entry of Service.Redirections (spec.md §3).
type Redirection struct {
	Source string
	Target string
	Code   int

	Kind PatternKind
	Key  string
}

// Service is one entry of spec.md §3 "services".
type Service struct {
	Name         string
	Domain       string // lowercased, validated
	Server       string
	TLS          *TLS
	Locations    []Location
	Redirections []Redirection
}

// LoadBalancer is one entry of spec.md §3 "load_balancers".
type LoadBalancer struct {
	Name     string
	Algo     string // "round_robin" | "ip_hash"
	Backends []string
	Weights  []int
}

// Config is the fully validated, immutable-after-load configuration object
// described by spec.md §3.
type Config struct {
	Globals       Globals
	Servers       map[string]Server
	Services      map[string]Service
	LoadBalancers map[string]LoadBalancer
}

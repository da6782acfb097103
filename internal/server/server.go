// Package server implements the Server component (spec.md §4.7): it
// validates a loaded Config, composes every other component from it,
// and owns the resulting listeners for the life of the process.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fabian4/quark/internal/accesslog"
	"github.com/fabian4/quark/internal/config"
	"github.com/fabian4/quark/internal/forward"
	"github.com/fabian4/quark/internal/lb"
	"github.com/fabian4/quark/internal/matcher"
	"github.com/fabian4/quark/internal/metrics"
	"github.com/fabian4/quark/internal/model"
	"github.com/fabian4/quark/internal/staticserver"
	"github.com/fabian4/quark/internal/supervisor"
	"github.com/fabian4/quark/internal/tlsacceptor"
)

// Server owns every piece of immutable routing/pool state built from a
// validated Config, plus the supervisor that serves it.
type Server struct {
	cfg           *config.Config
	tables        map[string]*matcher.Table     // server name -> compiled routes
	pools         map[string]lb.Pool            // loadbalancer name -> pool
	certStores    map[string]*tlsacceptor.Store // server name -> SNI store
	staticRoots   map[string]*staticserver.Root // root_dir -> resolved root
	redirectHosts map[string]map[string]bool    // server name -> host -> tls.redirection

	forwarder *forward.Forwarder
	access    *accesslog.Sink
	metrics   *metrics.Registry
	sup       *supervisor.Supervisor
}

// Boot validates cfg and constructs every component, per spec.md §4.7.
// Every returned error names its origin (service name / location index)
// as produced by internal/config.
func Boot(cfg *config.Config, access *accesslog.Sink, reg *metrics.Registry) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		pools:         map[string]lb.Pool{},
		certStores:    map[string]*tlsacceptor.Store{},
		staticRoots:   map[string]*staticserver.Root{},
		redirectHosts: map[string]map[string]bool{},
		forwarder:     forward.New(forward.NewRegistry()),
		access:        access,
		metrics:       reg,
		sup:           supervisor.New(),
	}

	tables, err := matcher.BuildTables(cfg)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.tables = tables

	for name, lbc := range cfg.LoadBalancers {
		pool, err := lb.NewPool(lbc)
		if err != nil {
			return nil, fmt.Errorf("server: loadbalancers.%s: %w", name, err)
		}
		s.pools[name] = pool
	}

	for name := range cfg.Servers {
		s.redirectHosts[name] = map[string]bool{}
	}

	certsByServer := map[string]map[string]tlsacceptor.CertEntry{}
	for _, svc := range cfg.Services {
		if svc.TLS == nil {
			continue
		}
		if certsByServer[svc.Server] == nil {
			certsByServer[svc.Server] = map[string]tlsacceptor.CertEntry{}
		}
		certsByServer[svc.Server][svc.Domain] = tlsacceptor.CertEntry{
			CertificatePath: svc.TLS.CertificatePath,
			KeyPath:         svc.TLS.KeyPath,
		}
		s.redirectHosts[svc.Server][svc.Domain] = svc.TLS.Redirection
	}
	for serverName, entries := range certsByServer {
		store, err := tlsacceptor.NewStore(entries)
		if err != nil {
			return nil, fmt.Errorf("server: %s: %w", serverName, err)
		}
		s.certStores[serverName] = store
	}

	for _, svc := range cfg.Services {
		for _, loc := range svc.Locations {
			if !loc.ServeFiles {
				continue
			}
			if _, ok := s.staticRoots[loc.Target]; ok {
				continue
			}
			root, err := staticserver.NewRoot(loc.Target)
			if err != nil {
				return nil, fmt.Errorf("server: services.%s: %w", svc.Name, err)
			}
			s.staticRoots[loc.Target] = root
		}
	}

	return s, nil
}

// Run starts every listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	specs := make([]supervisor.ListenerSpec, 0, len(s.cfg.Servers))
	for name, srv := range s.cfg.Servers {
		spec := supervisor.ListenerSpec{
			Name:          name,
			HTTPAddr:      fmt.Sprintf(":%d", srv.HTTPPort),
			Handler:       s.handlerFor(name, srv),
			RedirectHosts: s.redirectHosts[name],
			MaxConnection: s.cfg.Globals.MaxConnection,
			MaxRequest:    s.cfg.Globals.MaxRequest,
			Metrics:       s.metrics,
		}
		if store, ok := s.certStores[name]; ok {
			spec.HTTPSAddr = fmt.Sprintf(":%d", srv.HTTPSPort)
			spec.TLSConfig = store.Config()
		}
		specs = append(specs, spec)
	}

	var admin *supervisor.AdminSpec
	if s.metrics != nil && s.cfg.Globals.AdminAddr != "" {
		admin = &supervisor.AdminSpec{Addr: s.cfg.Globals.AdminAddr, Handler: s.metrics.Handler()}
	}
	return s.sup.Serve(ctx, specs, admin)
}

// handlerFor builds the request handler for one server name: route via
// the matcher, then dispatch to forward/static/redirect.
func (s *Server) handlerFor(serverName string, srv config.Server) http.Handler {
	table := s.tables[serverName]
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &accesslog.ResponseRecorder{ResponseWriter: w}
		requestID := forward.NewRequestID()
		decision := "no_match"
		serviceLabel := "no_match"
		var upstreamAddr string

		defer func() {
			s.access.Log(accesslog.Entry{
				Timestamp:  start,
				RemoteIP:   clientIP(r.RemoteAddr),
				Host:       r.Host,
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     rec.Status,
				BytesSent:  rec.Bytes,
				DurationMs: time.Since(start).Milliseconds(),
				Upstream:   upstreamAddr,
				Decision:   decision,
			})
			if s.metrics != nil {
				s.metrics.RequestsTotal.WithLabelValues(serviceLabel, r.Method, statusLabel(rec.Status)).Inc()
				s.metrics.RequestDurationSeconds.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())
			}
		}()

		if table == nil {
			http.NotFound(rec, r)
			return
		}
		route, ok, err := table.Match(r.Host, r.URL.Path)
		if err != nil {
			s.access.Error(http.StatusBadRequest, r.Host, r.URL.Path, err)
			http.Error(rec, "bad request", http.StatusBadRequest)
			return
		}
		if !ok {
			http.NotFound(rec, r)
			return
		}
		serviceLabel = route.ServiceName

		switch route.Kind {
		case model.RouteForward:
			decision = "forward"
			upstream := route.StaticUpstream
			if route.PoolName != "" {
				pool, ok := s.pools[route.PoolName]
				if !ok {
					s.access.Error(http.StatusBadGateway, r.Host, r.URL.Path, fmt.Errorf("unknown pool %q", route.PoolName))
					http.Error(rec, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
					return
				}
				upstream = pool.Next(net.ParseIP(clientIP(r.RemoteAddr)))
				if s.metrics != nil {
					s.metrics.BackendSelectionTotal.WithLabelValues(route.PoolName, upstream.Host).Inc()
				}
			}
			upstreamAddr = upstream.Host
			outcome := s.forwarder.Forward(rec, r, route, upstream, srv.ProxyTimeout, requestID)
			if outcome.Status >= 500 {
				s.access.Error(outcome.Status, r.Host, r.URL.Path, outcome.UpstreamErr)
			}

		case model.RouteStatic:
			decision = "static"
			root, ok := s.staticRoots[route.RootDir]
			if !ok {
				s.access.Error(http.StatusInternalServerError, r.Host, r.URL.Path, fmt.Errorf("unresolved static root %q", route.RootDir))
				http.Error(rec, "internal error", http.StatusInternalServerError)
				return
			}
			applyHeaderOps(rec.Header(), route.ResponseHeaders)
			root.Serve(rec, r, route.Suffix)

		case model.RouteRedirect:
			decision = "redirect"
			http.Redirect(rec, r, route.Location, route.Status)
		}
	})
}

// applyHeaderOps carries a Location's configured header overrides onto a
// response, set after removal so Set always wins over Remove for the same
// key (spec.md §4.5 applies the same order on the forward path).
func applyHeaderOps(h http.Header, ops model.HeaderOps) {
	for _, k := range ops.Remove {
		h.Del(k)
	}
	for k, v := range ops.Set {
		h.Set(k, v)
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func statusLabel(status int) string {
	if status == 0 {
		return "200"
	}
	return fmt.Sprintf("%d", status)
}

// OpenAccessLog is a small convenience used by cmd/quark to turn a
// --logs path into the two writers accesslog.NewSink expects: access
// lines to the given path (or stdout if empty), errors to stderr.
func OpenAccessLog(path string) (*accesslog.Sink, func() error, error) {
	if path == "" {
		return accesslog.NewSink(os.Stdout, os.Stderr), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("server: open log file %s: %w", path, err)
	}
	return accesslog.NewSink(f, os.Stderr), f.Close, nil
}

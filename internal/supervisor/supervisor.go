// Package supervisor implements the ConnectionSupervisor component
// (spec.md §4.6): it owns every listener socket, admits connections and
// requests under the configured global limits, and drives graceful
// shutdown.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/fabian4/quark/internal/metrics"
)

// DrainTimeout bounds how long an in-flight connection is given to
// finish once shutdown begins (spec.md §4.6: "a bounded deadline, e.g.
// 30s, after which they are hard-closed").
const DrainTimeout = 30 * time.Second

// BindError wraps a failure to acquire a listening socket (port already
// in use, permission denied), so callers such as cmd/quark can map it to
// its own exit code distinctly from a post-startup I/O failure.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// ListenerSpec describes one server's pair of listeners.
type ListenerSpec struct {
	Name          string
	HTTPAddr      string
	HTTPSAddr     string // empty if this server has no TLS-configured service
	TLSConfig     *tls.Config
	Handler       http.Handler
	RedirectHosts map[string]bool // host -> tls.redirection, for the plaintext listener
	MaxConnection int
	MaxRequest    int
	Metrics       *metrics.Registry
}

// AdminSpec describes the loopback-only admin listener that exposes
// /metrics (SPEC_FULL.md §6.2). It is never subject to conn_sem/req_sem
// admission control or TLS — it is an operator-facing surface, not a
// public one.
type AdminSpec struct {
	Addr    string
	Handler http.Handler
}

// Supervisor owns the net.Listeners and http.Servers for every
// configured server and coordinates their graceful shutdown.
type Supervisor struct {
	mu        sync.Mutex
	servers   []*http.Server
	listeners []*gatedListener
}

// New builds a Supervisor with no listeners yet bound; call Serve to
// start them.
func New() *Supervisor {
	return &Supervisor{}
}

// Serve starts every listener in specs plus the admin listener (if
// admin is non-nil) and blocks until ctx is cancelled, at which point it
// drains and closes them all. It returns the first fatal listen error,
// if any occurred before ctx was done.
func (s *Supervisor) Serve(ctx context.Context, specs []ListenerSpec, admin *AdminSpec) error {
	errCh := make(chan error, len(specs)*2+1)
	var wg sync.WaitGroup

	// conn_sem and req_sem (spec.md §4.6) are process-wide counting
	// semaphores, not one per listener: every server's HTTP and HTTPS
	// listener shares the same pair, sized from the (uniform) global
	// max_connection/max_request every spec carries.
	maxConn, maxReq := 0, 0
	for _, spec := range specs {
		if spec.MaxConnection > maxConn {
			maxConn = spec.MaxConnection
		}
		if spec.MaxRequest > maxReq {
			maxReq = spec.MaxRequest
		}
	}
	if maxConn <= 0 {
		maxConn = 1
	}
	connSem := make(chan struct{}, maxConn)
	var reqSem chan struct{}
	if maxReq > 0 {
		reqSem = make(chan struct{}, maxReq)
	}

	if admin != nil && admin.Addr != "" {
		ln, err := net.Listen("tcp", admin.Addr)
		if err != nil {
			return &BindError{Addr: admin.Addr, Err: err}
		}
		srv := &http.Server{Handler: admin.Handler, ReadHeaderTimeout: 10 * time.Second}
		s.track(srv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("supervisor: admin listener: %w", err)
			}
		}()
	}

	for _, spec := range specs {
		spec := spec
		if spec.HTTPAddr != "" {
			srv, ln, err := s.buildHTTPServer(spec, connSem, reqSem)
			if err != nil {
				return err
			}
			s.track(srv)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("supervisor: %s http listener: %w", spec.Name, err)
				}
			}()
		}
		if spec.HTTPSAddr != "" && spec.TLSConfig != nil {
			srv, ln, err := s.buildHTTPSServer(spec, connSem, reqSem)
			if err != nil {
				return err
			}
			s.track(srv)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("supervisor: %s https listener: %w", spec.Name, err)
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown()
		wg.Wait()
		return err
	}

	s.shutdown()
	wg.Wait()
	return nil
}

func (s *Supervisor) track(srv *http.Server) {
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
}

func (s *Supervisor) trackListener(ln *gatedListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

// idleCutoff is how long a tracked connection must have gone without a
// Read or Write before shutdown treats it as waiting for a next request
// rather than mid-response.
const idleCutoff = 1 * time.Second

// activeGrace is how long shutdown waits for connections that were still
// active at the drain deadline before force-closing them too.
const activeGrace = 2 * time.Second

// shutdown drains every tracked server within DrainTimeout. If the
// deadline is reached with connections still open, it first hard-closes
// whichever of them have gone idle (spec.md §4.6's distinction between a
// connection waiting on a next request and one still streaming a
// response, tracked via trackedConn.IdleSince, SPEC_FULL.md §10), then
// gives the rest one short grace period before closing everything.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	servers := append([]*http.Server{}, s.servers...)
	listeners := append([]*gatedListener{}, s.listeners...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = srv.Shutdown(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	for _, ln := range listeners {
		ln.closeIdleSince(idleCutoff)
	}

	select {
	case <-done:
		return
	case <-time.After(activeGrace):
	}

	for _, srv := range servers {
		_ = srv.Close()
	}
	<-done
}

func (s *Supervisor) buildHTTPServer(spec ListenerSpec, connSem, reqSem chan struct{}) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", spec.HTTPAddr)
	if err != nil {
		return nil, nil, &BindError{Addr: spec.HTTPAddr, Err: err}
	}
	gated := newGatedListener(ln, connSem, "http:"+spec.Name, spec.Metrics)
	s.trackListener(gated)

	handler := requestAdmission(reqSem, spec.Metrics, httpRedirect(spec.RedirectHosts, spec.Handler))
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return srv, gated, nil
}

func (s *Supervisor) buildHTTPSServer(spec ListenerSpec, connSem, reqSem chan struct{}) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", spec.HTTPSAddr)
	if err != nil {
		return nil, nil, &BindError{Addr: spec.HTTPSAddr, Err: err}
	}
	gated := newGatedListener(ln, connSem, "https:"+spec.Name, spec.Metrics)
	s.trackListener(gated)
	tlsListener := tls.NewListener(gated, spec.TLSConfig)

	handler := requestAdmission(reqSem, spec.Metrics, spec.Handler)
	srv := &http.Server{
		Handler:           handler,
		TLSConfig:         spec.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return nil, nil, fmt.Errorf("supervisor: configure http2 for %s: %w", spec.Name, err)
	}
	return srv, tlsListener, nil
}

// httpRedirect implements the plaintext-listener half of spec.md §4.4:
// if the request's Host resolves to a service with tls.redirection =
// true, respond 301 to the https equivalent without reading the body.
func httpRedirect(redirectHosts map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if redirectHosts[strings.ToLower(host)] {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestAdmission implements req_sem (spec.md §4.6): acquired
// non-blockingly before the request reaches the matcher/forwarder/
// static path, released on every exit including panics recovered by
// net/http itself. If unavailable, respond 503 without touching the
// connection. sem is shared across every listener in a Supervisor, so
// req_sem is one process-wide semaphore sized by max_request rather than
// one per listener. While the permit is held, m's InflightRequests gauge
// tracks it, so the admin /metrics listener reflects live admission
// pressure rather than registering a gauge nothing ever moves.
func requestAdmission(sem chan struct{}, m *metrics.Registry, next http.Handler) http.Handler {
	if sem == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			if m != nil {
				m.InflightRequests.Inc()
			}
			defer func() {
				<-sem
				if m != nil {
					m.InflightRequests.Dec()
				}
			}()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}

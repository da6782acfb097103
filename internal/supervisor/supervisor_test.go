package supervisor

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fabian4/quark/internal/metrics"
)

func TestGatedListener_ClosesConnectionsPastCapacity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	gated := newGatedListener(ln, make(chan struct{}, 1), "test", nil)

	var accepted []net.Conn
	go func() {
		c1, _ := net.Dial("tcp", ln.Addr().String())
		accepted = append(accepted, c1)
		c2, _ := net.Dial("tcp", ln.Addr().String())
		accepted = append(accepted, c2)
	}()

	conn1, err := gated.Accept()
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	defer conn1.(*trackedConn).Close()

	// Second dial should be accepted at the TCP level then immediately
	// closed by gatedListener since capacity is 1; reading from it on the
	// client side should observe EOF rather than a successful Accept.
	done := make(chan struct{})
	go func() {
		_, _ = gated.Accept()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second Accept should not have returned a connection while capacity is exhausted")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGatedListener_CloseIdleSinceClosesOnlyIdleConns(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	gated := newGatedListener(ln, make(chan struct{}, 2), "test", nil)

	go func() {
		_, _ = net.Dial("tcp", ln.Addr().String())
		_, _ = net.Dial("tcp", ln.Addr().String())
	}()

	idle, err := gated.Accept()
	if err != nil {
		t.Fatalf("accept idle: %v", err)
	}
	defer idle.Close()

	active, err := gated.Accept()
	if err != nil {
		t.Fatalf("accept active: %v", err)
	}
	defer active.Close()

	// idle never does I/O; active writes right before the check, so it
	// is well within the cutoff while idle has aged past it.
	time.Sleep(20 * time.Millisecond)
	if _, err := active.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	closed := gated.closeIdleSince(10 * time.Millisecond)
	if closed != 1 {
		t.Fatalf("closeIdleSince closed %d conns, want 1 (the idle one)", closed)
	}

	if _, err := active.Write([]byte("y")); err != nil {
		t.Fatalf("active connection should still be open after closeIdleSince: %v", err)
	}
}

func TestRequestAdmission_RejectsPastCapacity(t *testing.T) {
	block := make(chan struct{})
	release := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(block)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	reg := metrics.New()
	handler := requestAdmission(make(chan struct{}, 1), reg, inner)
	srv := &http.Server{Handler: handler}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ln)
	defer srv.Close()

	addr := ln.Addr().String()

	go func() {
		_, _ = http.Get("http://" + addr + "/")
	}()
	<-block

	if got := testutil.ToFloat64(reg.InflightRequests); got != 1 {
		t.Fatalf("InflightRequests = %v, want 1 while the permit is held", got)
	}

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want 1", resp.Header.Get("Retry-After"))
	}
	close(release)
}

func TestHTTPRedirect_RedirectsConfiguredHosts(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := httpRedirect(map[string]bool{"example.com": true}, next)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/a/b", nil)
	req.Host = "example.com"
	rr := newRecorder()
	handler.ServeHTTP(rr, req)

	if rr.status != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rr.status)
	}
	if loc := rr.header.Get("Location"); loc != "https://example.com/a/b" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestHTTPRedirect_PassesThroughOtherHosts(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := httpRedirect(map[string]bool{"example.com": true}, next)

	req, _ := http.NewRequest(http.MethodGet, "http://other.com/", nil)
	req.Host = "other.com"
	rr := newRecorder()
	handler.ServeHTTP(rr, req)

	if !called {
		t.Fatal("expected next handler to be called for a non-redirect host")
	}
}

func TestSupervisor_ServeAndGracefulShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	sup := New()
	spec := ListenerSpec{
		Name:          "main",
		HTTPAddr:      "127.0.0.1:0",
		Handler:       handler,
		MaxConnection: 10,
		MaxRequest:    10,
	}

	// Port 0 is not resolvable ahead of listen, so exercise Serve only
	// for a short window and confirm it returns cleanly on cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Serve(ctx, []ListenerSpec{spec}, nil) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestSupervisor_SharesConnSemAcrossListeners(t *testing.T) {
	addrFor := func(t *testing.T) string {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := ln.Addr().String()
		ln.Close()
		return addr
	}

	addrA, addrB := addrFor(t), addrFor(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	specs := []ListenerSpec{
		{Name: "a", HTTPAddr: addrA, Handler: handler, MaxConnection: 1, MaxRequest: 10},
		{Name: "b", HTTPAddr: addrB, Handler: handler, MaxConnection: 1, MaxRequest: 10},
	}

	sup := New()
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Serve(ctx, specs, nil) }()
	time.Sleep(30 * time.Millisecond)

	// Holding one raw connection open against listener a consumes the
	// single shared conn_sem slot (max_connection is a process-wide
	// semaphore, spec.md §4.6, not one per listener).
	connA, err := net.Dial("tcp", addrA)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	time.Sleep(30 * time.Millisecond)

	connB, err := net.Dial("tcp", addrB)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	_ = connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1)
	n, err := connB.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("listener b accepted a connection while a holds the shared conn_sem slot (n=%d, err=%v)", n, err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestSupervisor_ServesAdminMetricsListener(t *testing.T) {
	reg := metrics.New()
	reg.RequestsTotal.WithLabelValues("forward", "GET", "200").Inc()

	adminLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	adminAddr := adminLn.Addr().String()
	adminLn.Close()

	sup := New()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.Serve(ctx, nil, &AdminSpec{Addr: adminAddr, Handler: reg.Handler()})
	}()

	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + adminAddr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "quark_requests_total") {
		t.Fatalf("expected quark_requests_total in admin /metrics output, got:\n%s", body)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

type recorder struct {
	status int
	header http.Header
	body   []byte
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}, status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }
func (r *recorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return len(b), nil
}
func (r *recorder) WriteHeader(code int) { r.status = code }

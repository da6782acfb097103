package supervisor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabian4/quark/internal/metrics"
)

// gatedListener wraps a net.Listener with a non-blocking connection
// admission semaphore: spec.md §4.6 requires that a connection accepted
// past the configured max_connection limit is closed immediately rather
// than queued, which rules out golang.org/x/net/netutil.LimitListener
// (it blocks Accept until a slot frees up) — this is a small, deliberate
// adaptation of that same wrapped-Listener idiom.
type gatedListener struct {
	net.Listener
	sem     chan struct{}
	label   string
	metrics *metrics.Registry

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

// newGatedListener wraps ln with sem as its admission gate. sem is shared
// across every listener in a Supervisor so that conn_sem (spec.md §4.6) is
// one process-wide counting semaphore sized by max_connection, rather than
// one per listener.
func newGatedListener(ln net.Listener, sem chan struct{}, label string, m *metrics.Registry) *gatedListener {
	return &gatedListener{
		Listener: ln,
		sem:      sem,
		label:    label,
		metrics:  m,
		conns:    map[*trackedConn]struct{}{},
	}
}

func (g *gatedListener) Accept() (net.Conn, error) {
	for {
		conn, err := g.Listener.Accept()
		if err != nil {
			return nil, err
		}
		select {
		case g.sem <- struct{}{}:
			if g.metrics != nil {
				g.metrics.ActiveConnections.WithLabelValues(g.label).Inc()
			}
			tc := &trackedConn{Conn: conn, release: g.release}
			tc.lastActivity.Store(time.Now().UnixNano())
			g.mu.Lock()
			g.conns[tc] = struct{}{}
			g.mu.Unlock()
			return tc, nil
		default:
			_ = conn.Close()
			continue
		}
	}
}

func (g *gatedListener) release(c *trackedConn) {
	select {
	case <-g.sem:
	default:
	}
	if g.metrics != nil {
		g.metrics.ActiveConnections.WithLabelValues(g.label).Dec()
	}
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// closeIdleSince force-closes every tracked connection that has gone
// without a Read or Write for at least idleFor, used by Supervisor.shutdown
// to distinguish a connection waiting on a next request that will never
// come from one still streaming a response (SPEC_FULL.md §10). It returns
// how many it closed.
func (g *gatedListener) closeIdleSince(idleFor time.Duration) int {
	g.mu.Lock()
	conns := make([]*trackedConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	closed := 0
	for _, c := range conns {
		if c.IdleSince() >= idleFor {
			_ = c.Close()
			closed++
		}
	}
	return closed
}

// trackedConn releases its admission slot exactly once on Close and
// records the last I/O time for graceful-drain bookkeeping (supplemented
// from original_source's ActivityTrackingBody, per SPEC_FULL.md §10).
type trackedConn struct {
	net.Conn
	release      func(*trackedConn)
	released     sync.Once
	lastActivity atomic.Int64
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.lastActivity.Store(time.Now().UnixNano())
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.lastActivity.Store(time.Now().UnixNano())
	return n, err
}

func (c *trackedConn) Close() error {
	c.released.Do(func() { c.release(c) })
	return c.Conn.Close()
}

// IdleSince reports how long this connection has gone without I/O, timed
// from acceptance if it has never done any.
func (c *trackedConn) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

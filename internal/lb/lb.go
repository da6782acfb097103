// Package lb implements the LoadBalancer component (spec.md §4.2): Round
// Robin / Weighted Round Robin and IP Hash backend selection. The hot path
// touches exactly one piece of shared mutable state, the RR/WRR cursor, and
// it is an atomic increment — no locks, per the design note in spec.md §9.
package lb

import (
	"fmt"
	"hash/fnv"
	"net"
	"strings"
	"sync/atomic"

	"github.com/fabian4/quark/internal/config"
	"github.com/fabian4/quark/internal/model"
)

// Pool selects the next backend endpoint for a request. Implementations
// must be safe for concurrent use without external locking.
type Pool interface {
	Next(clientIP net.IP) model.Endpoint
}

// NewPool builds the Pool described by cfg, expanding a weighted round
// robin schedule once at compile time if weights are present.
func NewPool(cfg config.LoadBalancer) (Pool, error) {
	endpoints := make([]model.Endpoint, len(cfg.Backends))
	for i, b := range cfg.Backends {
		endpoints[i] = model.Endpoint{Scheme: "http", Host: strings.TrimSpace(b)}
	}

	switch cfg.Algo {
	case "ip_hash":
		return &ipHashPool{endpoints: endpoints}, nil
	case "round_robin", "":
		weights := cfg.Weights
		if len(weights) == 0 {
			weights = make([]int, len(endpoints))
			for i := range weights {
				weights[i] = 1
			}
		}
		schedule, err := smoothWeightedSchedule(weights)
		if err != nil {
			return nil, err
		}
		resolved := make([]model.Endpoint, len(schedule))
		for i, idx := range schedule {
			resolved[i] = endpoints[idx]
		}
		return &rrPool{schedule: resolved}, nil
	default:
		return nil, fmt.Errorf("lb: unknown algo %q", cfg.Algo)
	}
}

// smoothWeightedSchedule expands weights into a fixed-length interleaved
// schedule: at each step the candidate with the highest running weight is
// picked, then decremented by the total while every candidate's running
// weight is incremented by its own configured weight. Over any contiguous
// window of len(schedule) picks, each index appears exactly weights[i]
// times and no index starves, matching spec.md §4.2 and §8.
func smoothWeightedSchedule(weights []int) ([]int, error) {
	n := len(weights)
	if n == 0 {
		return nil, fmt.Errorf("lb: no backends")
	}
	total := 0
	for _, w := range weights {
		if w <= 0 {
			return nil, fmt.Errorf("lb: weights must be positive")
		}
		total += w
	}
	current := make([]int, n)
	schedule := make([]int, 0, total)
	for len(schedule) < total {
		best := 0
		for i := 0; i < n; i++ {
			current[i] += weights[i]
			if current[i] > current[best] {
				best = i
			}
		}
		schedule = append(schedule, best)
		current[best] -= total
	}
	return schedule, nil
}

// rrPool serves a precomputed RR/WRR schedule via a single atomic cursor.
type rrPool struct {
	schedule []model.Endpoint
	cursor   atomic.Uint64
}

func (p *rrPool) Next(net.IP) model.Endpoint {
	i := p.cursor.Add(1) - 1
	return p.schedule[i%uint64(len(p.schedule))]
}

// ipHashPool reduces the client IP to a stable index via FNV-1a; weights
// are not meaningful for this algorithm (spec.md §4.2).
type ipHashPool struct {
	endpoints []model.Endpoint
}

func (p *ipHashPool) Next(clientIP net.IP) model.Endpoint {
	h := fnv.New64a()
	if ip4 := clientIP.To4(); ip4 != nil {
		_, _ = h.Write(ip4)
	} else {
		_, _ = h.Write(clientIP.To16())
	}
	idx := h.Sum64() % uint64(len(p.endpoints))
	return p.endpoints[idx]
}

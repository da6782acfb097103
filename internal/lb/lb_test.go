package lb

import (
	"net"
	"testing"

	"github.com/fabian4/quark/internal/config"
)

func TestNewPool_PlainRoundRobinCyclesEvenly(t *testing.T) {
	pool, err := NewPool(config.LoadBalancer{Name: "p", Algo: "round_robin", Backends: []string{"a:1", "b:1", "c:1"}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		counts[pool.Next(nil).Host]++
	}
	for host, n := range counts {
		if n != 100 {
			t.Fatalf("host %s selected %d times, want 100", host, n)
		}
	}
}

func TestNewPool_WeightedRoundRobinMatchesRatios(t *testing.T) {
	pool, err := NewPool(config.LoadBalancer{
		Name:     "p",
		Algo:     "round_robin",
		Backends: []string{"a:1", "b:1"},
		Weights:  []int{3, 1},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		counts[pool.Next(nil).Host]++
	}
	if counts["a:1"] != 300 {
		t.Fatalf("a:1 selected %d times, want 300", counts["a:1"])
	}
	if counts["b:1"] != 100 {
		t.Fatalf("b:1 selected %d times, want 100", counts["b:1"])
	}
}

func TestNewPool_WeightedScheduleNeverStarvesInAnyWindow(t *testing.T) {
	schedule, err := smoothWeightedSchedule([]int{5, 1, 1})
	if err != nil {
		t.Fatalf("smoothWeightedSchedule: %v", err)
	}
	if len(schedule) != 7 {
		t.Fatalf("schedule length = %d, want 7", len(schedule))
	}
	// Every contiguous window the size of the schedule must contain each
	// index exactly weights[i] times; trivially true for one full lap,
	// so check that within a full lap no index runs more than twice in a
	// row (starvation would cluster the majority index into one
	// contiguous run instead of spreading it out).
	runs := map[int]int{}
	cur := schedule[0]
	run := 1
	for i := 1; i < len(schedule); i++ {
		if schedule[i] == cur {
			run++
		} else {
			if run > runs[cur] {
				runs[cur] = run
			}
			cur, run = schedule[i], 1
		}
	}
	if run > runs[cur] {
		runs[cur] = run
	}
	for idx, maxRun := range runs {
		if maxRun > 2 {
			t.Fatalf("index %d ran %d times contiguously in schedule %v, want smoothed distribution", idx, maxRun, schedule)
		}
	}
}

func TestNewPool_IPHashIsSticky(t *testing.T) {
	pool, err := NewPool(config.LoadBalancer{Name: "p", Algo: "ip_hash", Backends: []string{"a:1", "b:1", "c:1"}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ip := net.ParseIP("203.0.113.7")
	first := pool.Next(ip)
	for i := 0; i < 10; i++ {
		if got := pool.Next(ip); got != first {
			t.Fatalf("ip_hash selected %v then %v for the same client IP", first, got)
		}
	}
}

func TestNewPool_UnknownAlgoErrors(t *testing.T) {
	_, err := NewPool(config.LoadBalancer{Name: "p", Algo: "least_conn", Backends: []string{"a:1"}})
	if err == nil {
		t.Fatal("expected an error for an unsupported algo")
	}
}

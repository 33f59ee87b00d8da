// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"flag"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
	"github.com/flowguard/flowguard/src/agent/pkg/enforce"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
	"github.com/flowguard/flowguard/src/agent/pkg/testutil"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

var (
	duration      = flag.Int("duration", 30, "Test duration in seconds")
	workers       = flag.Int("workers", 4, "Concurrent evaluation workers")
	statsInterval = flag.Int("interval", 5, "Statistics reporting interval in seconds")
	seed          = flag.Int64("seed", 1, "Traffic generator seed")
	established   = flag.Int("established", 50, "Percent of flows re-evaluated to exercise the fast path")
)

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	log.Info("=== Flowguard Evaluation Performance Test ===")
	log.Infof("Duration: %d seconds", *duration)
	log.Infof("Workers: %d", *workers)
	log.Infof("Fast-path share: %d%%", *established)
	log.Info("=============================================")

	// Build the engine over an in-memory stack with the baseline rule
	// mix.
	versions := version.NewManager()
	v, err := versions.Create("perf", testutil.BaselineRules(), "", "")
	if err != nil {
		log.Fatalf("Failed to create rule set: %v", err)
	}
	if err := versions.Activate(v.ID); err != nil {
		log.Fatalf("Failed to activate rule set: %v", err)
	}

	table := conntrack.New(conntrack.DefaultConfig())
	eng := engine.New(engine.DefaultConfig(), versions, table, enforce.NewEnforcer(), nil, nil, nil)

	log.Info("✓ Engine initialized with baseline rules")

	var evaluations atomic.Uint64
	var latencies sync.Map // worker id -> *[]time.Duration

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			gen := testutil.NewGenerator(*seed + int64(id))
			lat := make([]time.Duration, 0, 1<<20)
			for {
				select {
				case <-stop:
					latencies.Store(id, &lat)
					return
				default:
				}

				s := gen.Sample()
				start := time.Now()
				d := eng.Evaluate(s)
				lat = append(lat, time.Since(start))
				evaluations.Add(1)

				// Establish a share of passed flows and hit them again
				// so the cached path is measured too.
				if d.Kind == rule.DecisionPass && id*100/(*workers) < *established {
					eng.Evaluate(testutil.Reply(s))
					start = time.Now()
					eng.Evaluate(s)
					lat = append(lat, time.Since(start))
					evaluations.Add(2)
				}
			}
		}(w)
	}

	ticker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer ticker.Stop()
	deadline := time.After(time.Duration(*duration) * time.Second)

	var last uint64
	for running := true; running; {
		select {
		case <-ticker.C:
			total := evaluations.Load()
			stats := eng.Statistics()
			log.Infof("evals/sec=%d total=%d fast_path=%d sessions=%d",
				(total-last)/uint64(*statsInterval), total,
				stats.FastPathHits, stats.Conntrack.ActiveEntries)
			last = total
		case <-deadline:
			running = false
		}
	}

	close(stop)
	wg.Wait()

	// Merge and report latency percentiles.
	var all []time.Duration
	latencies.Range(func(_, v interface{}) bool {
		all = append(all, *v.(*[]time.Duration)...)
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	stats := eng.Statistics()
	log.Info("=== Results ===")
	log.Infof("  Evaluations:     %d", stats.Evaluations)
	log.Infof("  Fast-path hits:  %d", stats.FastPathHits)
	for kind, n := range stats.Decisions {
		if n > 0 {
			log.Infof("  %-16s %d", kind+":", n)
		}
	}
	if len(all) > 0 {
		log.Infof("  p50 latency:     %v", percentile(all, 50))
		log.Infof("  p99 latency:     %v", percentile(all, 99))
		log.Infof("  max latency:     %v", all[len(all)-1])
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

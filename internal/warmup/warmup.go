// Package warmup implements the also_warm fan-out (spec §4.6/§8, C7): when
// an app receives a request, a TTL-bounded traversal of its configured warm-up graph
// issues a non-waiting acquire/release pair to every reachable neighbor, so
// they begin starting in the background without the triggering request
// waiting on them. The TTL bound, not just cycle detection, caps
// amplification across graphs with fan-out > 1 at each hop.
package warmup

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/controller"
)

// controllerLookup is the subset of *registry.Registry warmup needs;
// narrowed to an interface to avoid a hard dependency (and keep this
// package testable without building a full registry).
type controllerLookup interface {
	Lookup(host string) *controller.Controller
}

// maxConcurrentWarms bounds how many also_warm starts a single fan-out can
// have in flight at once.
const maxConcurrentWarms = 4

// Graph is the immutable also_warm adjacency, keyed by normalized hostname.
type Graph struct {
	adjacency map[string][]string
}

// BuildGraph constructs a Graph from the configured apps' AlsoWarm lists.
func BuildGraph(apps []appspec.App) *Graph {
	g := &Graph{adjacency: make(map[string][]string, len(apps))}
	for _, app := range apps {
		key := appspec.NormalizeHost(app.Hostname)
		for _, warm := range app.AlsoWarm {
			g.adjacency[key] = append(g.adjacency[key], appspec.NormalizeHost(warm))
		}
	}
	return g
}

// Fanner triggers also_warm fan-out against a registry.
type Fanner struct {
	graph    *Graph
	registry controllerLookup
	clock    clock.Clock
	log      *logrus.Entry
}

// New constructs a Fanner.
func New(graph *Graph, registry controllerLookup, c clock.Clock, log *logrus.Entry) *Fanner {
	return &Fanner{graph: graph, registry: registry, clock: c, log: log}
}

// Fanout warms every host reachable from startHost within ttl hops,
// de-duplicating within this call so each host, even one on a cycle in the
// also_warm graph, is warmed at most once per call rather than looping
// forever.
func (f *Fanner) Fanout(ctx context.Context, startHost string, ttl int) {
	if ttl <= 0 {
		return
	}
	visited := &sync.Map{}
	visited.Store(appspec.NormalizeHost(startHost), true)
	f.fanout(ctx, appspec.NormalizeHost(startHost), ttl, visited)
}

func (f *Fanner) fanout(ctx context.Context, host string, ttl int, visited *sync.Map) {
	if ttl <= 0 {
		return
	}
	neighbors := f.graph.adjacency[host]
	if len(neighbors) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWarms)
	for _, neighbor := range neighbors {
		neighbor := neighbor
		if _, already := visited.LoadOrStore(neighbor, true); already {
			continue
		}
		g.Go(func() error {
			f.warmOne(neighbor)
			f.fanout(gctx, neighbor, ttl-1, visited)
			return nil
		})
	}
	_ = g.Wait()
}

// warmOne issues a single non-waiting acquire/release pair against host's
// controller, if it's configured.
func (f *Fanner) warmOne(host string) {
	ctrl := f.registry.Lookup(host)
	if ctrl == nil {
		f.log.WithField("host", host).Warn("also_warm references an unconfigured hostname")
		return
	}
	now := f.clock.Now()
	res := ctrl.Acquire(now, false)
	switch res.Kind {
	case controller.Ready:
		ctrl.Release(now)
	case controller.Waiting:
		res.Wait.Cancel(now)
	}
}

// Package balancer selects one endpoint from a candidate pool for a given
// request, using one of a closed set of strategies configured per router and
// endpoint type.
package balancer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/riftgate/gateway/internal/catalog"
	"github.com/riftgate/gateway/internal/health"
)

// Kind identifies a balancing strategy. The set is closed: a Balancer
// switches on Kind rather than dispatching through an open interface
// registry, so the hot path stays a single branch.
type Kind int

const (
	Weighted Kind = iota
	Latency
	ModelLatency
	Cost
)

// Config configures one balancer instance.
type Config struct {
	Kind Kind
	// Weights gives per-endpoint selection weight for the Weighted strategy,
	// keyed by "<provider>/<model>". Missing entries default to weight 1.
	Weights map[string]int
}

// ErrNoCandidates is returned when every candidate in the pool is currently
// excluded (open circuit, rate limited, or zero remaining budget).
var ErrNoCandidates = fmt.Errorf("balancer: no eligible candidates")

// rng is shared across strategies behind one mutex-guarded source rather
// than giving each strategy its own generator.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randIntn(n int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Intn(n)
}

// Balancer selects an endpoint from candidates using health as feedback.
type Balancer struct {
	cfg     Config
	catalog *catalog.Catalog
}

// New builds a Balancer for the given configuration.
func New(cfg Config, cat *catalog.Catalog) *Balancer {
	return &Balancer{cfg: cfg, catalog: cat}
}

// Select picks one endpoint from candidates. model restricts the pool for the
// ModelLatency strategy; it is ignored by the others.
func (b *Balancer) Select(candidates []catalog.Endpoint, h *health.Table, model string) (catalog.Endpoint, error) {
	if len(candidates) == 0 {
		return catalog.Endpoint{}, ErrNoCandidates
	}

	eligible := eligibleCandidates(candidates, h)
	if len(eligible) == 0 {
		// Every candidate is excluded. Return the candidate with the lowest
		// latency estimate rather than fail outright; this does not change
		// its circuit state, and how recently each candidate was tried is
		// not considered.
		return probeCandidate(candidates, h), nil
	}

	switch b.cfg.Kind {
	case Weighted:
		return selectWeighted(eligible, b.cfg.Weights), nil
	case Latency:
		return selectLatency(eligible, h), nil
	case ModelLatency:
		restricted := restrictToModel(eligible, model)
		if len(restricted) == 0 {
			restricted = eligible
		}
		return selectLatency(restricted, h), nil
	case Cost:
		return selectCost(eligible, b.catalog, h), nil
	default:
		return selectWeighted(eligible, b.cfg.Weights), nil
	}
}

func eligibleCandidates(candidates []catalog.Endpoint, h *health.Table) []catalog.Endpoint {
	out := make([]catalog.Endpoint, 0, len(candidates))
	for _, c := range candidates {
		if h.Allow(health.EndpointID(c.Provider)) {
			out = append(out, c)
		}
	}
	return out
}

// probeCandidate deterministically forces one candidate to be tried when the
// whole pool is excluded, giving an Open circuit a chance to recover instead
// of the request failing outright with no upstream attempt at all.
func probeCandidate(candidates []catalog.Endpoint, h *health.Table) catalog.Endpoint {
	best := candidates[0]
	bestEWMA := h.LatencyEWMA(health.EndpointID(best.Provider))
	for _, c := range candidates[1:] {
		if ewma := h.LatencyEWMA(health.EndpointID(c.Provider)); ewma < bestEWMA {
			best, bestEWMA = c, ewma
		}
	}
	return best
}

func restrictToModel(candidates []catalog.Endpoint, model string) []catalog.Endpoint {
	if model == "" {
		return candidates
	}
	out := make([]catalog.Endpoint, 0, len(candidates))
	for _, c := range candidates {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}

// selectWeighted performs a classic cumulative-weight draw.
func selectWeighted(candidates []catalog.Endpoint, weights map[string]int) catalog.Endpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}

	total := 0
	for _, c := range candidates {
		total += weightOf(c, weights)
	}
	if total == 0 {
		return candidates[randIntn(len(candidates))]
	}

	r := randIntn(total)
	cumulative := 0
	for _, c := range candidates {
		cumulative += weightOf(c, weights)
		if r < cumulative {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func weightOf(e catalog.Endpoint, weights map[string]int) int {
	if w, ok := weights[e.ID()]; ok && w > 0 {
		return w
	}
	return 1
}

// selectLatency implements power-of-two-choices over the PeakEWMA load score:
// sample two distinct candidates uniformly and pick the lighter-loaded one.
func selectLatency(candidates []catalog.Endpoint, h *health.Table) catalog.Endpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}

	i := randIntn(len(candidates))
	j := randIntn(len(candidates) - 1)
	if j >= i {
		j++
	}

	a, b := candidates[i], candidates[j]
	scoreA := h.LoadScore(health.EndpointID(a.Provider))
	scoreB := h.LoadScore(health.EndpointID(b.Provider))
	if scoreB < scoreA {
		return b
	}
	return a
}

// selectCost orders candidates by static (input_cost, output_cost), cheapest
// first, breaking ties by latency load score.
func selectCost(candidates []catalog.Endpoint, cat *catalog.Catalog, h *health.Table) catalog.Endpoint {
	// Zero-value pricing means "unknown" and ranks after every priced endpoint.
	unknown := func(p catalog.Pricing) bool { return p == (catalog.Pricing{}) }
	cheaper := func(p, q catalog.Pricing) bool {
		if unknown(p) != unknown(q) {
			return unknown(q)
		}
		return p.InputCostPer1K < q.InputCostPer1K ||
			p.InputCostPer1K == q.InputCostPer1K && p.OutputCostPer1K < q.OutputCostPer1K
	}

	best := candidates[0]
	bestPricing := cat.Pricing(best)
	bestScore := h.LoadScore(health.EndpointID(best.Provider))

	for _, c := range candidates[1:] {
		p := cat.Pricing(c)
		switch {
		case cheaper(p, bestPricing):
			best, bestPricing = c, p
			bestScore = h.LoadScore(health.EndpointID(c.Provider))
		case p.InputCostPer1K == bestPricing.InputCostPer1K && p.OutputCostPer1K == bestPricing.OutputCostPer1K:
			if score := h.LoadScore(health.EndpointID(c.Provider)); score < bestScore {
				best, bestPricing, bestScore = c, p, score
			}
		}
	}
	return best
}

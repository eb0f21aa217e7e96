package placement

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/provider"
)

// budgetGuardMultiplier bounds a candidate's estimated cost to 1.5x the
// job's own estimated_cost_usd, per the budget guard rule.
var budgetGuardMultiplier = decimal.NewFromFloat(1.5)

// latencyPenaltyCap bounds the BALANCED strategy's latency weighting.
const latencyPenaltyCap = 0.5

// Placement is the decision a successful Plan returns.
type Placement struct {
	AdapterName   string
	GPUType       string
	GPUCount      int
	Region        string
	EstimatedCost decimal.Decimal
}

// candidate is one adapter's priced, validated offer for a job, gathered
// during Plan before a strategy picks among them.
type candidate struct {
	adapter       provider.Adapter
	offering      provider.GPUOffering
	estimatedCost decimal.Decimal
	latencyMS     float64
	available     bool
}

// Request is the subset of a Job's fields the planner needs.
type Request struct {
	Job             provider.JobRequirements
	GPUType         string
	GPUCount        int
	MaxRuntimeMins  int
	EstimatedBudget decimal.Decimal
	Strategy        Strategy
}

// ErrNoPlacement is returned when no adapter survives validation and the
// budget guard; callers must fail the job with NO_PLACEMENT per spec §4.3.
var ErrNoPlacement = provider.New(provider.ClassNoPlacement, "no adapter could satisfy the requested placement")

// Plan evaluates every enabled adapter against req and returns the best
// placement under req.Strategy, or ErrNoPlacement if none qualify.
//
// Steps (per the adapter capability contract): validate_requirements on
// every enabled adapter, drop failures; estimate_cost on survivors; enforce
// the 1.5x budget guard; select under strategy.
func Plan(ctx context.Context, adapters []provider.Adapter, req Request) (*Placement, error) {
	strategy := req.Strategy
	if !strategy.Valid() {
		strategy = DefaultStrategy
	}

	candidates := make([]candidate, 0, len(adapters))
	for _, a := range adapters {
		if !a.Enabled() {
			continue
		}
		if err := a.ValidateRequirements(ctx, req.Job, req.GPUType, req.GPUCount); err != nil {
			continue
		}

		cost, err := a.EstimateCost(ctx, req.GPUType, req.GPUCount, req.MaxRuntimeMins)
		if err != nil {
			continue
		}
		if req.EstimatedBudget.IsPositive() && cost.GreaterThan(req.EstimatedBudget.Mul(budgetGuardMultiplier)) {
			continue
		}

		health, err := a.HealthCheck(ctx)
		if err != nil || !health.Healthy {
			continue
		}

		offerings, err := a.ListGPUOfferings(ctx)
		if err != nil {
			continue
		}
		offering, ok := matchOffering(offerings, req.GPUType)
		if !ok {
			continue
		}

		candidates = append(candidates, candidate{
			adapter:       a,
			offering:      offering,
			estimatedCost: cost,
			latencyMS:     health.LatencyMS,
			available:     offering.AvailableCount >= req.GPUCount,
		})
	}

	if len(candidates) == 0 {
		return nil, ErrNoPlacement
	}

	best := selectBest(candidates, strategy)
	if best == nil {
		return nil, ErrNoPlacement
	}

	region := ""
	if len(best.offering.Regions) > 0 {
		region = best.offering.Regions[0]
	}

	return &Placement{
		AdapterName:   best.adapter.Name(),
		GPUType:       req.GPUType,
		GPUCount:      req.GPUCount,
		Region:        region,
		EstimatedCost: best.estimatedCost,
	}, nil
}

func matchOffering(offerings []provider.GPUOffering, gpuType string) (provider.GPUOffering, bool) {
	for _, o := range offerings {
		if o.GPUType == gpuType {
			return o, true
		}
	}
	return provider.GPUOffering{}, false
}

// selectBest applies the strategy's ranking rule, tiebreaking by adapter
// priority (lower first) wherever the strategy does not already dictate one.
func selectBest(candidates []candidate, strategy Strategy) *candidate {
	switch strategy {
	case PerformanceOptimized:
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].latencyMS != candidates[j].latencyMS {
				return candidates[i].latencyMS < candidates[j].latencyMS
			}
			if !candidates[i].estimatedCost.Equal(candidates[j].estimatedCost) {
				return candidates[i].estimatedCost.LessThan(candidates[j].estimatedCost)
			}
			return candidates[i].adapter.Priority() < candidates[j].adapter.Priority()
		})
	case Balanced:
		sort.SliceStable(candidates, func(i, j int) bool {
			si, sj := balancedScore(candidates[i]), balancedScore(candidates[j])
			if !si.Equal(sj) {
				return si.LessThan(sj)
			}
			return candidates[i].adapter.Priority() < candidates[j].adapter.Priority()
		})
	case FastestAvailable:
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].available != candidates[j].available {
				return candidates[i].available
			}
			return candidates[i].adapter.Priority() < candidates[j].adapter.Priority()
		})
	default: // CostOptimized
		sort.SliceStable(candidates, func(i, j int) bool {
			if !candidates[i].estimatedCost.Equal(candidates[j].estimatedCost) {
				return candidates[i].estimatedCost.LessThan(candidates[j].estimatedCost)
			}
			return candidates[i].adapter.Priority() < candidates[j].adapter.Priority()
		})
	}

	if strategy == FastestAvailable && !candidates[0].available {
		return nil
	}
	return &candidates[0]
}

// balancedScore computes cost * (1 + latency_penalty), with latency_penalty
// normalised into [0, latencyPenaltyCap] against a 1000ms reference latency.
func balancedScore(c candidate) decimal.Decimal {
	penalty := c.latencyMS / 1000 * latencyPenaltyCap
	if penalty > latencyPenaltyCap {
		penalty = latencyPenaltyCap
	}
	if penalty < 0 {
		penalty = 0
	}
	multiplier := decimal.NewFromFloat(1 + penalty)
	return c.estimatedCost.Mul(multiplier)
}

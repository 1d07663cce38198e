package strategy

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

// MutationGenerator derives a replacement from the retired component by
// perturbing each numeric parameter with multiplicative Gaussian noise.
type MutationGenerator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	scale float64
	seed  component.Spec
}

// NewMutationGenerator creates a generator. seedSpec is proposed when there is
// no history to mutate from.
func NewMutationGenerator(scale float64, seed uint64, seedSpec component.Spec) *MutationGenerator {
	if scale <= 0 {
		scale = 0.1
	}
	return &MutationGenerator{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		scale: scale,
		seed:  seedSpec.Clone(),
	}
}

// Propose implements Generator.
func (g *MutationGenerator) Propose(ctx context.Context, budget decimal.Decimal, history []Retirement) (component.Spec, error) {
	if err := ctx.Err(); err != nil {
		return component.Spec{}, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	if !budget.IsPositive() {
		return component.Spec{}, fmt.Errorf("%w: budget %s is not positive", ErrGenerationUnavailable, budget)
	}

	parent := g.seed
	parentID := ""
	if len(history) > 0 {
		parent = history[0].Spec
		parentID = history[0].ID
	}
	child := parent.Clone()
	child.Generation = parent.Generation + 1
	child.ParentID = parentID
	child.Name = fmt.Sprintf("%s-g%d", baseName(parent.Name), child.Generation)
	if child.Params == nil {
		child.Params = make(map[string]float64)
	}

	g.mu.Lock()
	// Sorted keys keep the draws reproducible for a given seed.
	for _, k := range slices.Sorted(maps.Keys(child.Params)) {
		child.Params[k] = clampParam(k, child.Params[k]*(1+g.scale*g.rng.NormFloat64()))
	}
	g.mu.Unlock()
	return child, nil
}

func baseName(name string) string {
	if name == "" {
		return "strategy"
	}
	if i := strings.LastIndex(name, "-g"); i > 0 {
		return name[:i]
	}
	return name
}

func clampParam(name string, v float64) float64 {
	switch name {
	case ParamVolatility:
		return math.Abs(v)
	case ParamFaultRate:
		return math.Min(math.Max(v, 0), 1)
	}
	return v
}

package strategies

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
)

var ErrUnknownStrategy = fmt.Errorf("%w: unknown strategy", types.ErrConfiguration)

// Factory builds a fresh strategy instance for one run
type Factory func() types.Strategy

type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
	log.Debug().Str("strategy", name).Msg("Registered strategy")
}

// Create instantiates the named strategy and loads params into it
func (r *Registry) Create(name string, params map[string]interface{}) (types.Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}

	s := factory()
	if err := s.LoadParameters(params); err != nil {
		return nil, fmt.Errorf("failed to load parameters for %s: %w", name, err)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterAll registers all available strategies
func RegisterAll(r *Registry) {
	maCrossover := func() types.Strategy {
		return NewGeneratorStrategy(NewMACrossover())
	}
	r.Register("ma_crossover", maCrossover)
	r.Register("sma_crossover", maCrossover)
}

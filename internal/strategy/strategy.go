// Package strategy hosts the trading-strategy plugin contract, the
// compile-time registry, the dispatch engine, and the built-in moving
// average crossover strategy.
//
// Strategies register a factory at init and are activated by name from
// configuration. Each instance owns its private state (entry price, holding
// flags); the engine owns the instance and never shares it across
// strategies.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"qb-trader/pkg/types"
)

// ParamSpec describes one strategy parameter for validation and tooling.
type ParamSpec struct {
	Type    string   `json:"type"` // "int", "float", "bool", "string"
	Default any      `json:"default"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Desc    string   `json:"desc"`
}

// Strategy is the plugin contract. Analyze returns nil when the snapshot
// produces no signal.
type Strategy interface {
	Name() string
	RequiredIndicators() []string
	ParameterSchema() map[string]ParamSpec
	Configure(params map[string]any) error
	Analyze(snap types.IndicatorSnapshot) *types.TradingSignal
	OnStart() error
	OnStop() error
}

// SessionCloser is implemented by strategies that force-exit holdings at
// session close. The engine invokes it from the close-time schedule.
type SessionCloser interface {
	SessionClose() []types.TradingSignal
}

// ————————————————————————————————————————————————————————————————————————
// Registry
// ————————————————————————————————————————————————————————————————————————

var (
	registryMu sync.RWMutex
	factories  = make(map[string]func() Strategy)
)

// Register adds a strategy factory under its name. Called from init;
// duplicate names panic because they are programmer errors.
func Register(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration of %q", name))
	}
	factories[name] = factory
}

// NewByName instantiates a fresh strategy from the registry.
func NewByName(name string) (Strategy, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q is not registered", name)
	}
	return factory(), nil
}

// Names lists the registered strategies, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateParams checks supplied parameters against the schema: unknown keys
// and out-of-range numeric values are rejected.
func validateParams(schema map[string]ParamSpec, params map[string]any) error {
	for key, val := range params {
		spec, ok := schema[key]
		if !ok {
			return fmt.Errorf("unknown parameter %q", key)
		}
		f, isNum := toFloat(val)
		if !isNum {
			continue
		}
		if spec.Min != nil && f < *spec.Min {
			return fmt.Errorf("parameter %q = %v below minimum %v", key, f, *spec.Min)
		}
		if spec.Max != nil && f > *spec.Max {
			return fmt.Errorf("parameter %q = %v above maximum %v", key, f, *spec.Max)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

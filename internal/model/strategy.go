package model

import "time"

// Strategy names an orchestration implementation.
type Strategy string

const (
	// StrategySequential runs analyzers one at a time. It is the conservative default.
	StrategySequential Strategy = "sequential"
	// StrategyParallel fans all analyzers out at once.
	StrategyParallel Strategy = "parallel"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategySequential || s == StrategyParallel
}

// StrategyReason records which rule picked the strategy.
type StrategyReason string

const (
	ReasonForced      StrategyReason = "forced"
	ReasonRollback    StrategyReason = "rollback"
	ReasonABTest      StrategyReason = "ab_test"
	ReasonFeatureFlag StrategyReason = "feature_flag"
	ReasonDefault     StrategyReason = "default"
)

// StrategyDecision is the selector's output, cached on the investigation.
type StrategyDecision struct {
	Selected  Strategy       `json:"selected_strategy"`
	Reason    StrategyReason `json:"reason"`
	Degraded  bool           `json:"degraded,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

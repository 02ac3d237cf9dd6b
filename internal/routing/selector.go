// Package routing decides which orchestration strategy executes an
// investigation run.
//
// The decision is a pure function of the investigation id, an optional forced
// strategy, and a snapshot of routing signals (rollback trigger, A/B test,
// feature flag). Signals come from a Source; when the source cannot be read
// the selector falls back to the default strategy and marks the decision
// degraded.
package routing

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// Conservative is the strategy used while a rollback trigger is active.
const Conservative = model.StrategySequential

// Rollback is the rollback trigger. While Active, every non-forced decision
// uses the conservative strategy.
type Rollback struct {
	Active bool   `yaml:"active" json:"active"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// ABTest routes investigations whose bucket falls in [BucketStart, BucketEnd)
// to Strategy.
type ABTest struct {
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	Strategy    model.Strategy `yaml:"strategy" json:"strategy"`
	BucketStart int            `yaml:"bucket_start" json:"bucket_start"`
	BucketEnd   int            `yaml:"bucket_end" json:"bucket_end"`
}

// FeatureFlag routes RolloutPercent of investigations to Strategy. Salt keeps
// its population independent from the A/B test buckets.
type FeatureFlag struct {
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	Strategy       model.Strategy `yaml:"strategy" json:"strategy"`
	RolloutPercent int            `yaml:"rollout_percent" json:"rollout_percent"`
	Salt           string         `yaml:"salt,omitempty" json:"salt,omitempty"`
}

// Snapshot is the routing signal state at one point in time.
type Snapshot struct {
	Rollback    Rollback    `yaml:"rollback" json:"rollback"`
	ABTest      ABTest      `yaml:"ab_test" json:"ab_test"`
	FeatureFlag FeatureFlag `yaml:"feature_flag" json:"feature_flag"`
}

// Source supplies the current routing signals.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Bucket maps an investigation id to [0,100) using the first 8 bytes of its
// SHA-256 digest. The mapping is stable across processes.
func Bucket(investigationID string) int {
	return bucketOf(investigationID)
}

// FlagBucket is Bucket over "salt:investigationID".
func FlagBucket(salt, investigationID string) int {
	return bucketOf(salt + ":" + investigationID)
}

func bucketOf(s string) int {
	sum := sha256.Sum256([]byte(s))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// Decide applies the precedence forced > rollback > A/B test > feature flag >
// default. It has no side effects.
func Decide(investigationID string, forced model.Strategy, snap Snapshot, def model.Strategy) (model.Strategy, model.StrategyReason) {
	if forced.Valid() {
		return forced, model.ReasonForced
	}
	if snap.Rollback.Active {
		return Conservative, model.ReasonRollback
	}
	if ab := snap.ABTest; ab.Enabled && ab.Strategy.Valid() {
		b := Bucket(investigationID)
		if b >= ab.BucketStart && b < ab.BucketEnd {
			return ab.Strategy, model.ReasonABTest
		}
	}
	if ff := snap.FeatureFlag; ff.Enabled && ff.Strategy.Valid() {
		if FlagBucket(ff.Salt, investigationID) < ff.RolloutPercent {
			return ff.Strategy, model.ReasonFeatureFlag
		}
	}
	return def, model.ReasonDefault
}

// Selector resolves strategy decisions against a live Source.
type Selector struct {
	source          Source
	defaultStrategy model.Strategy
	logger          *slog.Logger
	now             func() time.Time
}

// NewSelector creates a Selector. A nil source always yields the default
// strategy; an invalid default is replaced by the conservative strategy.
func NewSelector(source Source, defaultStrategy model.Strategy, logger *slog.Logger) *Selector {
	if !defaultStrategy.Valid() {
		defaultStrategy = Conservative
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		source:          source,
		defaultStrategy: defaultStrategy,
		logger:          logger.With("component", "routing"),
		now:             time.Now,
	}
}

// Default returns the strategy used when no signal applies.
func (s *Selector) Default() model.Strategy { return s.defaultStrategy }

// Select decides the strategy for investigationID. It never fails: when the
// signal source errors the decision is the default strategy with Degraded
// set, unless forced names a valid strategy.
func (s *Selector) Select(ctx context.Context, investigationID string, forced model.Strategy) model.StrategyDecision {
	var (
		snap     Snapshot
		degraded bool
	)
	if s.source != nil {
		var err error
		snap, err = s.source.Snapshot(ctx)
		if err != nil {
			degraded = true
			snap = Snapshot{}
			s.logger.Warn("routing: signal source unavailable, using default strategy",
				"investigation_id", investigationID, "default", s.defaultStrategy, "error", err)
		}
	}

	selected, reason := Decide(investigationID, forced, snap, s.defaultStrategy)
	d := model.StrategyDecision{
		Selected:  selected,
		Reason:    reason,
		Degraded:  degraded && reason != model.ReasonForced,
		DecidedAt: s.now().UTC(),
	}
	s.logger.Info("routing: strategy selected",
		"investigation_id", investigationID,
		"strategy", d.Selected,
		"reason", d.Reason,
		"degraded", d.Degraded)
	return d
}

// Status summarizes the signal source for the health endpoint.
func (s *Selector) Status(ctx context.Context) string {
	if s.source == nil {
		return "static"
	}
	if _, err := s.source.Snapshot(ctx); err != nil {
		return "degraded"
	}
	return "ok"
}

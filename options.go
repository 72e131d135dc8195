package receipt

import "time"

// Option configures an Engine at construction time.
//
// Example:
//
//	engine, err := receipt.NewEngine(st, emitter, generator, keys,
//	    receipt.WithMetrics(metrics),
//	    receipt.WithCostTracker(tracker),
//	    receipt.WithClock(time.Now),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they're applied to an Engine.
type engineConfig struct {
	metrics        *PrometheusMetrics
	costTracker    *CostTracker
	clock          func() time.Time
	inferenceTimeout time.Duration
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		clock:            time.Now,
		inferenceTimeout: 60 * time.Second,
	}
}

// WithMetrics attaches a Prometheus metrics collector to the engine.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithCostTracker attaches a cost tracker for actual-cost attribution
// alongside the policy's projected-budget admission checks.
func WithCostTracker(tracker *CostTracker) Option {
	return func(cfg *engineConfig) error {
		cfg.costTracker = tracker
		return nil
	}
}

// WithClock overrides the engine's time source. Tests use this to pin
// checkpoint timestamps; production leaves it at time.Now.
func WithClock(clock func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if clock == nil {
			return NewError(KindProgrammer, "clock must not be nil", nil)
		}
		cfg.clock = clock
		return nil
	}
}

// WithInferenceTimeout bounds a single inference.Generate call. Default 60s.
func WithInferenceTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.inferenceTimeout = d
		return nil
	}
}

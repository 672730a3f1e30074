package graph

import (
	"testing"
	"time"
)

func TestDefaultEngineConfig(t *testing.T) {
	cfg := defaultEngineConfig()
	if cfg.maxConcurrent != 8 {
		t.Errorf("maxConcurrent = %d, want 8", cfg.maxConcurrent)
	}
	if cfg.maxIterations != 1000 {
		t.Errorf("maxIterations = %d, want 1000", cfg.maxIterations)
	}
	if cfg.defaultNodeTimeout != 30*time.Second {
		t.Errorf("defaultNodeTimeout = %v, want 30s", cfg.defaultNodeTimeout)
	}
	if cfg.runWallClockBudget != 10*time.Minute {
		t.Errorf("runWallClockBudget = %v, want 10m", cfg.runWallClockBudget)
	}
	if cfg.maxSubworkflowDepth != 10 {
		t.Errorf("maxSubworkflowDepth = %d, want 10", cfg.maxSubworkflowDepth)
	}
	if cfg.defaultBreaker != nil {
		t.Error("defaultBreaker should be nil until WithDefaultBreaker is applied")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	cfg := defaultEngineConfig()
	opts := []Option{
		WithMaxConcurrent(16),
		WithMaxIterations(50),
		WithQueueDepth(2048),
		WithDefaultNodeTimeout(5 * time.Second),
		WithRunWallClockBudget(time.Minute),
		WithDefaultBreaker(BreakerConfig{FailureThreshold: 3}),
		WithMaxSubworkflowDepth(4),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			t.Fatalf("option error = %v", err)
		}
	}

	if cfg.maxConcurrent != 16 {
		t.Errorf("maxConcurrent = %d, want 16", cfg.maxConcurrent)
	}
	if cfg.maxIterations != 50 {
		t.Errorf("maxIterations = %d, want 50", cfg.maxIterations)
	}
	if cfg.queueDepth != 2048 {
		t.Errorf("queueDepth = %d, want 2048", cfg.queueDepth)
	}
	if cfg.defaultNodeTimeout != 5*time.Second {
		t.Errorf("defaultNodeTimeout = %v, want 5s", cfg.defaultNodeTimeout)
	}
	if cfg.runWallClockBudget != time.Minute {
		t.Errorf("runWallClockBudget = %v, want 1m", cfg.runWallClockBudget)
	}
	if cfg.defaultBreaker == nil || cfg.defaultBreaker.FailureThreshold != 3 {
		t.Errorf("defaultBreaker = %+v, want FailureThreshold=3", cfg.defaultBreaker)
	}
	if cfg.maxSubworkflowDepth != 4 {
		t.Errorf("maxSubworkflowDepth = %d, want 4", cfg.maxSubworkflowDepth)
	}
}

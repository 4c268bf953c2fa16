package biz

import (
	"time"
)

// Config tunes the engine services. Zero values fall back to the defaults
// below, so a minimal configuration file works.
type Config struct {
	// EntitlementTTL bounds how stale a cached entitlement snapshot may be.
	EntitlementTTL time.Duration `conf:"entitlement_ttl" yaml:"entitlement_ttl" json:"entitlement_ttl"`

	// CompileTimeout bounds one overlay compilation pass.
	CompileTimeout time.Duration `conf:"compile_timeout" yaml:"compile_timeout" json:"compile_timeout"`

	// TransitionRetries is how many times a transition is retried on a
	// record version conflict before giving up.
	TransitionRetries int `conf:"transition_retries" yaml:"transition_retries" json:"transition_retries"`

	// DecisionBuffer is the channel depth of the async decision logger.
	DecisionBuffer int `conf:"decision_buffer" yaml:"decision_buffer" json:"decision_buffer"`

	// SweepCron schedules the approval SLA sweep.
	SweepCron string `conf:"sweep_cron" yaml:"sweep_cron" json:"sweep_cron"`

	// SchemaCacheSize is the in-process LRU capacity for compiled schemas.
	SchemaCacheSize int `conf:"schema_cache_size" yaml:"schema_cache_size" json:"schema_cache_size"`

	// TableCacheSize is the in-process LRU capacity for compiled decision
	// tables.
	TableCacheSize int `conf:"table_cache_size" yaml:"table_cache_size" json:"table_cache_size"`
}

const (
	defaultEntitlementTTL    = 5 * time.Minute
	defaultCompileTimeout    = 10 * time.Second
	defaultTransitionRetries = 3
	defaultDecisionBuffer    = 1024
	defaultSweepCron         = "* * * * *"
	defaultSchemaCacheSize   = 512
	defaultTableCacheSize    = 1024
)

func (c Config) withDefaults() Config {
	if c.EntitlementTTL <= 0 {
		c.EntitlementTTL = defaultEntitlementTTL
	}

	if c.CompileTimeout <= 0 {
		c.CompileTimeout = defaultCompileTimeout
	}

	if c.TransitionRetries <= 0 {
		c.TransitionRetries = defaultTransitionRetries
	}

	if c.DecisionBuffer <= 0 {
		c.DecisionBuffer = defaultDecisionBuffer
	}

	if c.SweepCron == "" {
		c.SweepCron = defaultSweepCron
	}

	if c.SchemaCacheSize <= 0 {
		c.SchemaCacheSize = defaultSchemaCacheSize
	}

	if c.TableCacheSize <= 0 {
		c.TableCacheSize = defaultTableCacheSize
	}

	return c
}

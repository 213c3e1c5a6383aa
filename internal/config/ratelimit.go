package config

import "time"

// RateLimitConfig drives the token-bucket middleware.  Write endpoints that
// trigger materialization get their own, tighter bucket.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string
	Prefix         string

	// MaterializeCapacity bounds POST /v1/materialize and friends per caller.
	MaterializeCapacity int
}

func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled:             envBool("RATE_LIMIT_ENABLED", true),
		Capacity:            envInt("RATE_LIMIT_CAPACITY", 60),
		RefillTokens:        envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval:      envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:                 envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:         envStr("RATE_LIMIT_KEY_STRATEGY", "ip_user_route"),
		Prefix:              envStr("RATE_LIMIT_PREFIX", "standing:rl"),
		MaterializeCapacity: envInt("RATE_LIMIT_MATERIALIZE_CAPACITY", 5),
	}
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.MaterializeCapacity < 1 {
		c.MaterializeCapacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	return c
}

// ForMaterialize derives the bucket for endpoints that run the engine.
func (c RateLimitConfig) ForMaterialize() RateLimitConfig {
	m := c
	m.Capacity = c.MaterializeCapacity
	m.Prefix = c.Prefix + ":materialize"
	return m
}

package router

import "time"

// Config holds router tuning knobs.
type Config struct {
	// LoadThreshold is the load above which load_balanced avoids an agent.
	LoadThreshold float64 `json:"load_threshold"`

	// MaxHops bounds shortest_path routes.
	MaxHops int `json:"max_hops"`

	// TableTTL is how long an entry may go without updates before it is stale.
	TableTTL time.Duration `json:"table_ttl"`

	// CleanupInterval is the stale sweep period.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// FullMesh connects every registered agent to every other one. When false
	// only explicit links exist in the graph.
	FullMesh bool `json:"full_mesh"`

	// Now overrides the clock, for tests.
	Now func() time.Time `json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LoadThreshold:   0.8,
		MaxHops:         10,
		TableTTL:        5 * time.Minute,
		CleanupInterval: time.Minute,
		FullMesh:        true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LoadThreshold <= 0 || c.LoadThreshold > 1 {
		c.LoadThreshold = def.LoadThreshold
	}
	if c.MaxHops <= 0 {
		c.MaxHops = def.MaxHops
	}
	if c.TableTTL <= 0 {
		c.TableTTL = def.TableTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

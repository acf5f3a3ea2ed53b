package core

// EngineConfig holds runtime configuration for the sandbox engine.
type EngineConfig struct {
	PoolSize         int `toml:"pool_size" json:"pool_size"`                       // JS contexts per (host, version)
	MemoryLimitMB    int `toml:"memory_limit_mb" json:"memory_limit_mb"`           // per-context memory limit
	ExecutionTimeout int `toml:"execution_timeout_ms" json:"execution_timeout_ms"` // milliseconds before an invocation is interrupted
	QueueTimeout     int `toml:"queue_timeout_ms" json:"queue_timeout_ms"`         // milliseconds a request may wait for a free context
	MaxQueue         int `toml:"max_queue" json:"max_queue"`                       // waiters per pool before rejecting; 0 means unbounded
	MaxScriptSizeKB  int `toml:"max_script_size_kb" json:"max_script_size_kb"`     // max bundled script size
	MaxBodyBytes     int `toml:"max_body_bytes" json:"max_body_bytes"`             // max request body size handed to scripts
}

// DefaultEngineConfig returns the configuration used when none is given.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PoolSize:         4,
		MemoryLimitMB:    64,
		ExecutionTimeout: 5000,
		QueueTimeout:     2000,
		MaxQueue:         64,
		MaxScriptSizeKB:  4096,
		MaxBodyBytes:     1 << 20,
	}
}

// WithDefaults fills zero fields from DefaultEngineConfig.
func (c EngineConfig) WithDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = d.MemoryLimitMB
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.MaxScriptSizeKB <= 0 {
		c.MaxScriptSizeKB = d.MaxScriptSizeKB
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

package config

import "time"

// ServerConfig is the top-level server configuration (spec.md §6,
// "Server config (TOML)"). Each backend driver is selected by
// state.backend / audit.backend; sections mirror the admin catalog.
type ServerConfig struct {
	Server    ServerSection    `toml:"server"`
	State     StateSection     `toml:"state"`
	Audit     AuditSection     `toml:"audit"`
	RuleFiles  RuleFilesSection  `toml:"rule_files"`
	ChainFiles ChainFilesSection `toml:"chain_files"`
	Sandbox    SandboxSection    `toml:"sandbox"`
	RateLimit RateLimitSection `toml:"rate_limit"`
	Redaction RedactionSection `toml:"redaction"`
	Auth      AuthSection      `toml:"auth"`
}

// ServerSection is the `[server]` TOML section: listen address and the
// concurrency/resource bounds of spec.md §5.
type ServerSection struct {
	ListenAddr            string        `toml:"listen_addr" env:"ACTEON_SERVER_LISTEN_ADDR"`
	MaxConcurrent         int           `toml:"max_concurrent" env:"ACTEON_SERVER_MAX_CONCURRENT"`
	MaxConcurrentAdvances int           `toml:"max_concurrent_advances" env:"ACTEON_SERVER_MAX_CONCURRENT_ADVANCES"`
	SSEConnectionCap      int           `toml:"sse_connection_cap" env:"ACTEON_SERVER_SSE_CONNECTION_CAP"`
	ShutdownGrace         time.Duration `toml:"shutdown_grace" env:"ACTEON_SERVER_SHUTDOWN_GRACE"`
}

// StateSection is the `[state]` TOML section selecting the state store
// backend.
type StateSection struct {
	Backend         string        `toml:"backend" env:"ACTEON_STATE_BACKEND"` // "memory" | "redis"
	RedisAddr       string        `toml:"redis_addr" env:"ACTEON_STATE_REDIS_ADDR"`
	RedisKeyPrefix  string        `toml:"redis_key_prefix" env:"ACTEON_STATE_REDIS_KEY_PREFIX"`
	CleanupInterval time.Duration `toml:"cleanup_interval" env:"ACTEON_STATE_CLEANUP_INTERVAL"`
}

// AuditSection is the `[audit]` TOML section selecting the audit store
// backend and its compliance posture.
type AuditSection struct {
	Backend        string        `toml:"backend" env:"ACTEON_AUDIT_BACKEND"` // "memory" | "postgres"
	PostgresDSN    string        `toml:"postgres_dsn" env:"ACTEON_AUDIT_POSTGRES_DSN"`
	HashChain      bool          `toml:"hash_chain" env:"ACTEON_AUDIT_HASH_CHAIN"`
	Immutable      bool          `toml:"immutable" env:"ACTEON_AUDIT_IMMUTABLE"`
	ComplianceMode bool          `toml:"compliance_mode" env:"ACTEON_AUDIT_COMPLIANCE_MODE"`
	TTL            time.Duration `toml:"ttl" env:"ACTEON_AUDIT_TTL"`
}

// RuleFilesSection is the `[rule_files]` TOML section pointing at the
// hot-reloaded rule directory.
type RuleFilesSection struct {
	Directory      string        `toml:"directory" env:"ACTEON_RULES_DIRECTORY"`
	ReloadDebounce time.Duration `toml:"reload_debounce" env:"ACTEON_RULES_RELOAD_DEBOUNCE"`
}

// ChainFilesSection is the `[chain_files]` TOML section pointing at
// the directory of chain-definition YAML files registered into the
// chainengine at startup, mirroring RuleFilesSection's hot-reloaded
// rule directory.
type ChainFilesSection struct {
	Directory string `toml:"directory" env:"ACTEON_CHAINS_DIRECTORY"`
}

// SandboxSection is the `[sandbox]` TOML section for the `wasm_plugin`
// extension predicate's JS VM. Only Timeout is applied to the VM;
// MaxMemoryBytes and FuelBudget are loaded but not enforced.
type SandboxSection struct {
	MaxMemoryBytes int64         `toml:"max_memory" env:"ACTEON_SANDBOX_MAX_MEMORY"`
	FuelBudget     int64         `toml:"fuel_budget" env:"ACTEON_SANDBOX_FUEL_BUDGET"`
	Timeout        time.Duration `toml:"timeout" env:"ACTEON_SANDBOX_TIMEOUT"`
}

// RateLimitSection is the `[rate_limit]` TOML section for the per-caller
// default limiter.
type RateLimitSection struct {
	DefaultPerSecond float64 `toml:"default_per_second" env:"ACTEON_RATE_LIMIT_DEFAULT_PER_SECOND"`
	DefaultBurst     int     `toml:"default_burst" env:"ACTEON_RATE_LIMIT_DEFAULT_BURST"`
}

// RedactionSection is the `[redaction]` TOML section controlling audit
// payload masking (spec.md §8, "redacted payload matches the configured
// redaction mask").
type RedactionSection struct {
	Fields []string `toml:"fields" env:"ACTEON_REDACTION_FIELDS"`
	Mask   string   `toml:"mask" env:"ACTEON_REDACTION_MASK"`
}

// AuthSection points at the separate auth config file (spec.md §6,
// "Auth config (TOML)").
type AuthSection struct {
	ConfigPath string `toml:"config_path" env:"ACTEON_AUTH_CONFIG_PATH"`
}

// DefaultServerConfig returns the configuration a freshly booted gateway
// uses when no config file is present: in-memory state and audit
// backends, permissive resource bounds, no hash chaining.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			ListenAddr:            ":8080",
			MaxConcurrent:         256,
			MaxConcurrentAdvances: 64,
			SSEConnectionCap:      1000,
			ShutdownGrace:         10 * time.Second,
		},
		State: StateSection{
			Backend:         "memory",
			RedisKeyPrefix:  "acteon:",
			CleanupInterval: time.Minute,
		},
		Audit: AuditSection{
			Backend:        "memory",
			HashChain:      true,
			Immutable:      true,
			ComplianceMode: false,
			TTL:            30 * 24 * time.Hour,
		},
		RuleFiles: RuleFilesSection{
			Directory:      "rules.d",
			ReloadDebounce: 200 * time.Millisecond,
		},
		ChainFiles: ChainFilesSection{
			Directory: "chains.d",
		},
		Sandbox: SandboxSection{
			MaxMemoryBytes: 32 * 1024 * 1024,
			FuelBudget:     1_000_000,
			Timeout:        2 * time.Second,
		},
		RateLimit: RateLimitSection{
			DefaultPerSecond: 50,
			DefaultBurst:     100,
		},
		Redaction: RedactionSection{
			Fields: []string{"password", "secret", "token", "authorization"},
			Mask:   "***",
		},
		Auth: AuthSection{
			ConfigPath: "auth.toml",
		},
	}
}

// Validate returns a Config-kind error description (not a *GatewayError,
// to keep this package free of the errors package's import) for every
// configuration problem found, or nil; callers wrap them as KindConfig,
// fatal at boot (spec.md §7: "Config — unrecoverable at start; fatal").
func (c *ServerConfig) Validate() []string {
	var problems []string
	switch c.State.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, "state.backend must be \"memory\" or \"redis\"")
	}
	if c.State.Backend == "redis" && c.State.RedisAddr == "" {
		problems = append(problems, "state.redis_addr is required when state.backend is \"redis\"")
	}
	switch c.Audit.Backend {
	case "memory", "postgres":
	default:
		problems = append(problems, "audit.backend must be \"memory\" or \"postgres\"")
	}
	if c.Audit.Backend == "postgres" && c.Audit.PostgresDSN == "" {
		problems = append(problems, "audit.postgres_dsn is required when audit.backend is \"postgres\"")
	}
	if c.Server.MaxConcurrent <= 0 {
		problems = append(problems, "server.max_concurrent must be positive")
	}
	return problems
}

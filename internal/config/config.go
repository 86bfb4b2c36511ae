// Package config loads and validates the orchestrator's process-start
// configuration: per-agent endpoints and system prompts, MAKER voting
// parameters, context budgets, and store locations. Agent configuration and
// system prompts are loaded once and treated as immutable for the lifetime
// of any in-flight task; a reload only
// takes effect for tasks created after it lands (see Generation).
package config

import "time"

// Role is one of the closed set of agent roles.
type Role string

const (
	RolePreprocessor Role = "preprocessor"
	RolePlanner      Role = "planner"
	RoleCoder        Role = "coder"
	RoleVoter        Role = "voter"
	RoleValidator    Role = "validator"
)

// ValidatorMode selects the Reviewing stage implementation.
type ValidatorMode string

const (
	ValidatorModeHigh ValidatorMode = "high" // dedicated Validator endpoint
	ValidatorModeLow  ValidatorMode = "low"  // Planner Reflection
)

// AgentEndpoint describes one role's HTTP chat-completion backend.
type AgentEndpoint struct {
	Role           Role   `yaml:"role"`
	URL            string `yaml:"url"`
	SystemPrompt   string `yaml:"system_prompt"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
}

func (a AgentEndpoint) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// MAKERConfig holds the MAKER Voter parameters.
type MAKERConfig struct {
	Mode             ValidatorMode `yaml:"mode"`
	NumCandidates    int           `yaml:"num_candidates"`
	VoteK            int           `yaml:"vote_k"`
	MinCandidateLen  int           `yaml:"min_candidate_len"`
	TemperatureFloor float64       `yaml:"temperature_floor"`
	TemperatureStep  float64       `yaml:"temperature_step"`
}

// ContextConfig holds the Context Compressor parameters.
type ContextConfig struct {
	MaxTokens         int     `yaml:"max_tokens"`
	CompressThreshold float64 `yaml:"compress_threshold"` // fraction of MaxTokens
	MinCompressSpan   float64 `yaml:"min_compress_span"`  // fraction of MaxTokens
	RecentKeep        int     `yaml:"recent_keep"`
}

// MelodyConfig holds the Reasoning-Chain Memory parameters.
// The chain is on unless explicitly disabled, so the zero value matches the
// documented default of ENABLE_REASONING_CHAIN=true.
type MelodyConfig struct {
	Disabled     bool `yaml:"disabled"`
	RenderBudget int  `yaml:"render_budget"` // characters
}

// TaskConfig holds task lifecycle defaults.
type TaskConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	TTL           time.Duration `yaml:"ttl"`
}

// StoreConfig selects the KV backend for TaskState persistence.
type StoreConfig struct {
	Backend string   `yaml:"backend"` // "memory" | "etcd"
	Etcd    []string `yaml:"etcd_endpoints"`
}

// ServerConfig holds the Request Server's HTTP surface settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	ToolServerURL  string        `yaml:"tool_server_url"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	MaxToolQueries int           `yaml:"max_tool_queries"`
}

// Config is the fully resolved, validated process configuration.
type Config struct {
	Agents   map[Role]AgentEndpoint `yaml:"agents"`
	MAKER    MAKERConfig            `yaml:"maker"`
	Context  ContextConfig          `yaml:"context"`
	Melody   MelodyConfig           `yaml:"melody"`
	Task     TaskConfig             `yaml:"task"`
	Store    StoreConfig            `yaml:"store"`
	Server   ServerConfig           `yaml:"server"`
	LogLevel string                 `yaml:"log_level"`
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.MAKER.NumCandidates == 0 {
		c.MAKER.NumCandidates = 5
	}
	if c.MAKER.VoteK == 0 {
		c.MAKER.VoteK = 3
	}
	if c.MAKER.MinCandidateLen == 0 {
		c.MAKER.MinCandidateLen = 20
	}
	if c.MAKER.Mode == "" {
		c.MAKER.Mode = ValidatorModeHigh
	}
	if c.MAKER.TemperatureFloor == 0 {
		c.MAKER.TemperatureFloor = 0.3
	}
	if c.MAKER.TemperatureStep == 0 {
		c.MAKER.TemperatureStep = 0.1
	}
	if c.Context.MaxTokens == 0 {
		c.Context.MaxTokens = 100000
	}
	if c.Context.CompressThreshold == 0 {
		c.Context.CompressThreshold = 0.95
	}
	if c.Context.MinCompressSpan == 0 {
		c.Context.MinCompressSpan = 0.30
	}
	if c.Context.RecentKeep == 0 {
		c.Context.RecentKeep = 6
	}
	if c.Melody.RenderBudget == 0 {
		c.Melody.RenderBudget = 4000
	}
	if c.Task.MaxIterations == 0 {
		c.Task.MaxIterations = 3
	}
	if c.Task.TTL == 0 {
		c.Task.TTL = 24 * time.Hour
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxInFlight == 0 {
		c.Server.MaxInFlight = 32
	}
	if c.Server.ToolTimeout == 0 {
		c.Server.ToolTimeout = 15 * time.Second
	}
	if c.Server.MaxToolQueries == 0 {
		c.Server.MaxToolQueries = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for role, ep := range c.Agents {
		if ep.TimeoutMS == 0 {
			ep.TimeoutMS = defaultTimeoutMS(role)
		}
		if ep.MaxRetries == 0 {
			ep.MaxRetries = 1
		}
		if ep.RetryBackoffMS == 0 {
			ep.RetryBackoffMS = 500
		}
		c.Agents[role] = ep
	}
}

func defaultTimeoutMS(role Role) int {
	switch role {
	case RoleCoder:
		return 120000
	case RoleVoter:
		return 30000
	default:
		return 60000
	}
}

// Validate checks the precondition N >= 2K-1 and that every
// referenced role has an endpoint, among other structural invariants.
func (c *Config) Validate() error {
	if c.MAKER.NumCandidates < 2 || c.MAKER.NumCandidates > 10 {
		return errInvalid("maker.num_candidates must be in [2,10]")
	}
	if c.MAKER.VoteK < 1 {
		return errInvalid("maker.vote_k must be >= 1")
	}
	if c.MAKER.NumCandidates < 2*c.MAKER.VoteK-1 {
		return errInvalid("maker.num_candidates must satisfy N >= 2K-1")
	}
	for _, r := range []Role{RolePreprocessor, RolePlanner, RoleCoder, RoleVoter} {
		if _, ok := c.Agents[r]; !ok {
			return errInvalid("missing agent endpoint for role " + string(r))
		}
	}
	// The Validator endpoint may be absent even in high mode: reviewing
	// falls back to planner reflection when it is unconfigured or down.
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }
func errInvalid(msg string) error   { return configError("invalid config: " + msg) }

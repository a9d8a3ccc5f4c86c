package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	EnvLLMAPIKey = "FOUNDRY_LLM_API_KEY"
	EnvDBPath    = "FOUNDRY_DB_PATH"
)

type Config struct {
	Dispatch DispatchConfig `toml:"dispatch"`
	Mediator MediatorConfig `toml:"mediator"`
	Verify   VerifyConfig   `toml:"verify"`
	Ledger   LedgerConfig   `toml:"ledger"`
	LLM      LLMConfig      `toml:"llm"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Store    StoreConfig    `toml:"store"`
	API      APIConfig      `toml:"api"`
	Agents   []AgentSeed    `toml:"agents"`
}

type DispatchConfig struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	BatchSize           int `toml:"batch_size"`
	FastTrackBelow      int `toml:"fast_track_below"`
	EscalateAbove       int `toml:"escalate_above"`
	BackpressureLoad    int `toml:"backpressure_load"`
	DeadlockRetryBudget int `toml:"deadlock_retry_budget"`
	StaleAfterSeconds   int `toml:"stale_after_seconds"`
}

type MediatorConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

type VerifyConfig struct {
	CriticFailOpen bool `toml:"critic_fail_open"`
	EntropyEnabled bool `toml:"entropy_enabled"`
}

type LedgerConfig struct {
	SealThreshold int `toml:"seal_threshold"`
	Difficulty    int `toml:"difficulty"`
	NonceCap      int `toml:"nonce_cap"`
}

type LLMConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UseStub        bool   `toml:"use_stub"`
}

type SandboxConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	NodeBinary     string `toml:"node_binary"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type APIConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type AgentSeed struct {
	Name string `toml:"name"`
	Role string `toml:"role"`
}

func Default() Config {
	return Config{
		Dispatch: DispatchConfig{
			IntervalSeconds:     5,
			BatchSize:           10,
			FastTrackBelow:      20,
			EscalateAbove:       80,
			BackpressureLoad:    5,
			DeadlockRetryBudget: 2,
			StaleAfterSeconds:   300,
		},
		Mediator: MediatorConfig{IntervalSeconds: 30},
		Verify:   VerifyConfig{CriticFailOpen: true, EntropyEnabled: true},
		Ledger:   LedgerConfig{SealThreshold: 10, Difficulty: 3, NonceCap: 250000},
		LLM:      LLMConfig{BaseURL: "http://localhost:1234/v1", TimeoutSeconds: 120},
		Sandbox:  SandboxConfig{TimeoutSeconds: 10, NodeBinary: "node"},
		Store:    StoreConfig{Path: "foundry.db"},
		API:      APIConfig{Addr: ":8090"},
	}
}

// Load reads the TOML config at path, filling defaults for anything unset and
// applying environment overrides last. A missing file is not an error: the
// defaults stand.
func Load(path string) (Config, error) {
	// .env is optional bootstrap for local development.
	_ = godotenv.Load()

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLLMAPIKey)); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.Store.Path = v
	}
}

func Validate(cfg Config) error {
	if cfg.Dispatch.IntervalSeconds <= 0 {
		return fmt.Errorf("dispatch interval must be > 0")
	}
	if cfg.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch batch size must be > 0")
	}
	if cfg.Dispatch.FastTrackBelow < 0 || cfg.Dispatch.FastTrackBelow > 100 {
		return fmt.Errorf("fast track threshold out of range: %d", cfg.Dispatch.FastTrackBelow)
	}
	if cfg.Dispatch.EscalateAbove < 0 || cfg.Dispatch.EscalateAbove > 100 {
		return fmt.Errorf("escalate threshold out of range: %d", cfg.Dispatch.EscalateAbove)
	}
	if cfg.Dispatch.FastTrackBelow >= cfg.Dispatch.EscalateAbove {
		return fmt.Errorf("fast track threshold %d must be below escalate threshold %d",
			cfg.Dispatch.FastTrackBelow, cfg.Dispatch.EscalateAbove)
	}
	if cfg.Dispatch.StaleAfterSeconds <= 0 {
		return fmt.Errorf("stale reclaim window must be > 0")
	}
	if cfg.Ledger.SealThreshold <= 0 {
		return fmt.Errorf("ledger seal threshold must be > 0")
	}
	if cfg.Ledger.Difficulty < 0 || cfg.Ledger.Difficulty > 8 {
		return fmt.Errorf("ledger difficulty out of range: %d", cfg.Ledger.Difficulty)
	}
	if cfg.Ledger.NonceCap <= 0 {
		return fmt.Errorf("ledger nonce cap must be > 0")
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox timeout must be > 0")
	}
	for i, seed := range cfg.Agents {
		if strings.TrimSpace(seed.Name) == "" {
			return fmt.Errorf("agent[%d] missing name", i)
		}
		if strings.TrimSpace(seed.Role) == "" {
			return fmt.Errorf("agent[%d] missing role", i)
		}
	}
	return nil
}

func (c DispatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleAfter is how long a task may sit in IN_PROGRESS before the dispatcher
// reclaims it and frees its agent.
func (c DispatchConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c MediatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

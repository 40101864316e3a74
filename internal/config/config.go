package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the agent.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Telegram TelegramConfig `json:"telegram"`
	LLM      LLMConfig      `json:"llm"`
	Agent    AgentConfig    `json:"agent"`
	Digest   DigestConfig   `json:"digest"`
	Memory   MemoryConfig   `json:"memory"`
	History  HistoryConfig  `json:"history"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

type TelegramConfig struct {
	Token        string        `json:"token"`
	AllowedChats FlexInt64List `json:"allowedChats"`
	ParseMode    string        `json:"parseMode"`
}

type LLMConfig struct {
	APIKey         string `json:"apiKey"`
	APIBase        string `json:"apiBase,omitempty"`
	AgentID        string `json:"agentId"`
	MemoryAgentID  string `json:"memoryAgentId,omitempty"`
	DigestAgentID  string `json:"digestAgentId,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// AgentConfig tunes the conversational behavior.
type AgentConfig struct {
	PersonaPath        string  `json:"personaPath"`
	MessageMemory      int     `json:"messageMemory"`
	DebounceSeconds    float64 `json:"debounceSeconds"`
	GraceWindowSeconds float64 `json:"graceWindowSeconds"`
	TypingSpeed        float64 `json:"typingSpeed"`
	NameMatchThreshold float64 `json:"nameMatchThreshold"`
	DelayBeforeOnline  Range   `json:"delayBeforeOnline"`
	DelayBeforeOffline Range   `json:"delayBeforeOffline"`
}

type DigestConfig struct {
	Enabled           bool          `json:"enabled"`
	ChannelID         int64         `json:"channelId,omitempty"`
	IntervalMinutes   int           `json:"intervalMinutes"`
	MonitoredChannels FlexInt64List `json:"monitoredChannels,omitempty"`
	StatePath         string        `json:"statePath"`
}

type MemoryConfig struct {
	Enabled       bool   `json:"enabled"`
	FilePath      string `json:"filePath"`
	MaxEntries    int    `json:"maxEntries"`
	RetentionDays int    `json:"retentionDays"`
}

type HistoryConfig struct {
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Range is a [min, max] pair in seconds, written in JSON as a two-element
// array.
type Range struct {
	Min float64
	Max float64
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must be a [min, max] pair, got %d elements", len(pair))
	}
	if pair[0] > pair[1] {
		return fmt.Errorf("range min %v exceeds max %v", pair[0], pair[1])
	}
	r.Min, r.Max = pair[0], pair[1]
	return nil
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{r.Min, r.Max})
}

// MinDuration returns the lower bound as a duration.
func (r Range) MinDuration() time.Duration {
	return time.Duration(r.Min * float64(time.Second))
}

// MaxDuration returns the upper bound as a duration.
func (r Range) MaxDuration() time.Duration {
	return time.Duration(r.Max * float64(time.Second))
}

// FlexInt64List is a []int64 that unmarshals from JSON arrays containing
// numbers or numeric strings, so chat IDs can be written either way.
type FlexInt64List []int64

func (f *FlexInt64List) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]int64, 0, len(raw))
	for _, item := range raw {
		var n int64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, n)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("chat ID must be a number or numeric string: %s", item)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat ID %q: %w", s, err)
		}
		result = append(result, n)
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.personabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".personabot"
	}
	return filepath.Join(home, ".personabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Agent.PersonaPath = ExpandPath(cfg.Agent.PersonaPath)
	cfg.Digest.StatePath = ExpandPath(cfg.Digest.StatePath)
	cfg.Memory.FilePath = ExpandPath(cfg.Memory.FilePath)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, "llm.apiKey is required")
	}
	if cfg.LLM.AgentID == "" {
		errs = append(errs, "llm.agentId is required")
	}
	if cfg.LLM.TimeoutSeconds < 1 {
		errs = append(errs, "llm.timeoutSeconds must be >= 1")
	}

	if cfg.Agent.PersonaPath == "" {
		errs = append(errs, "agent.personaPath is required")
	}
	if cfg.Agent.MessageMemory < 1 {
		errs = append(errs, "agent.messageMemory must be >= 1")
	}
	if cfg.Agent.DebounceSeconds <= 0 {
		errs = append(errs, "agent.debounceSeconds must be positive")
	}
	if cfg.Agent.TypingSpeed <= 0 {
		errs = append(errs, "agent.typingSpeed must be positive")
	}
	if cfg.Agent.NameMatchThreshold <= 0 || cfg.Agent.NameMatchThreshold >= 1 {
		errs = append(errs, "agent.nameMatchThreshold must be between 0 and 1 exclusive")
	}

	if cfg.Digest.Enabled {
		if cfg.Digest.ChannelID == 0 {
			errs = append(errs, "digest.channelId is required when digest is enabled")
		}
		if cfg.Digest.IntervalMinutes < 1 {
			errs = append(errs, "digest.intervalMinutes must be >= 1")
		}
		if cfg.LLM.DigestAgentID == "" {
			errs = append(errs, "llm.digestAgentId is required when digest is enabled")
		}
	}
	if cfg.Memory.Enabled {
		if cfg.Memory.FilePath == "" {
			errs = append(errs, "memory.filePath is required when memory is enabled")
		}
		if cfg.LLM.MemoryAgentID == "" {
			errs = append(errs, "llm.memoryAgentId is required when memory is enabled")
		}
	}

	if cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required")
	}
	if cfg.History.RetentionDays < 1 {
		errs = append(errs, "history.retentionDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a copy safe for printing: secrets are masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Telegram.Token = maskString(out.Telegram.Token)
	out.LLM.APIKey = maskString(out.LLM.APIKey)
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

package config

// Defaults returns a config pre-filled with sane defaults. Load overlays
// the config file on top of these.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Telegram: TelegramConfig{
			ParseMode: "Markdown",
		},
		LLM: LLMConfig{
			APIBase:        "https://api.mistral.ai/v1",
			TimeoutSeconds: 60,
		},
		Agent: AgentConfig{
			PersonaPath:        "~/.personabot/persona.yaml",
			MessageMemory:      50,
			DebounceSeconds:    10,
			GraceWindowSeconds: 10,
			TypingSpeed:        10,
			NameMatchThreshold: 0.75,
			DelayBeforeOnline:  Range{Min: 5, Max: 15},
			DelayBeforeOffline: Range{Min: 30, Max: 120},
		},
		Digest: DigestConfig{
			IntervalMinutes: 360,
			StatePath:       "~/.personabot/digest.json",
		},
		Memory: MemoryConfig{
			FilePath:      "~/.personabot/memory.txt",
			MaxEntries:    1000,
			RetentionDays: 30,
		},
		History: HistoryConfig{
			DBPath:        "~/.personabot/history.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Endpoint: "127.0.0.1:9090",
		},
	}
}

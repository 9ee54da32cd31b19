package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for windlass. Values are merged
// by viper from flags, WINDLASS_* env vars, and defaults (set up by the
// cobra command in cmd/windlass). The provider and data-dir settings are
// additionally bound to their unprefixed env names (PROVIDER_BASE_URL,
// PROVIDER_API_KEY, DATA_DIR, EMBED_BACKEND, HEARTBEAT_LEASE_SECONDS).
type Config struct {
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderName    string
	DefaultModel    string
	EvalModel       string
	MaxTokens       int

	DataDir        string
	HeartbeatLease int
	KeepSessionDB  bool
	EmbedBackend   string
	EmbedBaseURL   string
	CascadeDir     string
	HTTPPort       int
	MemoryBudget   int
	CostWorkers    int
	PromptTools    bool
}

// Load reads configuration from viper.
func Load() Config {
	return Config{
		ProviderBaseURL: viper.GetString("provider_base_url"),
		ProviderAPIKey:  viper.GetString("provider_api_key"),
		ProviderName:    viper.GetString("provider_name"),
		DefaultModel:    viper.GetString("default_model"),
		EvalModel:       viper.GetString("eval_model"),
		MaxTokens:       viper.GetInt("max_tokens"),

		DataDir:        viper.GetString("data_dir"),
		HeartbeatLease: viper.GetInt("heartbeat_lease_seconds"),
		KeepSessionDB:  viper.GetBool("keep_session_db"),
		EmbedBackend:   viper.GetString("embed_backend"),
		EmbedBaseURL:   viper.GetString("embed_base_url"),
		CascadeDir:     viper.GetString("cascade_dir"),
		HTTPPort:       viper.GetInt("http_port"),
		MemoryBudget:   viper.GetInt("memory_budget"),
		CostWorkers:    viper.GetInt("cost_workers"),
		PromptTools:    viper.GetBool("prompt_tools"),
	}
}

// Package config loads the platform's YAML configuration document and
// layers environment variable and file-secret overrides on top of it.
// Static fields (embedding model, chunk size, vector dimension, data path)
// are fixed at process start; runtime-changeable fields (model selection,
// temperature, top_p/top_k, retrieval k, prompt selection, verbosity) are
// mutated in place through Config.Apply by the admin endpoint.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized document: {global, data_manager, a2rchi,
// services, sources, utils}.
type Config struct {
	mu sync.RWMutex

	Global      GlobalConfig      `yaml:"global"`
	DataManager DataManagerConfig `yaml:"data_manager"`
	A2rchi      PipelineConfig    `yaml:"a2rchi"`
	Services    ServicesConfig    `yaml:"services"`
	Sources     SourcesConfig     `yaml:"sources"`
	Utils       UtilsConfig       `yaml:"utils"`
}

// GlobalConfig holds process-wide static settings.
type GlobalConfig struct {
	DataRoot  string `yaml:"data_path"`
	LogLevel  string `yaml:"log_level"`
	AdminKeyEnv string `yaml:"admin_key_env"`
}

// DataManagerConfig configures the catalog and vector index (C1/C2).
type DataManagerConfig struct {
	EmbeddingModel  string        `yaml:"embedding_model"`
	EmbeddingDim    int           `yaml:"embedding_dim"`
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkOverlap    int           `yaml:"chunk_overlap"`
	VectorAddr      string        `yaml:"vector_addr"`
	DistanceMetric  string        `yaml:"distance_metric"`
	BM25K1          float64       `yaml:"bm25_k1"`
	BM25B           float64       `yaml:"bm25_b"`
	HybridWeightLex float64       `yaml:"hybrid_weight_lex"`
	HybridWeightSem float64       `yaml:"hybrid_weight_sem"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	// ResetCollection drops all chunks at startup before the first sync.
	ResetCollection bool `yaml:"reset_collection"`
}

// PipelineConfig holds the runtime-changeable QA/agent knobs — this is the
// section the admin endpoint is allowed to mutate post-startup.
type PipelineConfig struct {
	Model          string  `yaml:"model" json:"model"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	TopP           float64 `yaml:"top_p" json:"top_p"`
	TopK           int     `yaml:"top_k" json:"top_k"`
	RetrievalK     int     `yaml:"retrieval_k" json:"retrieval_k"`
	PromptTemplate string  `yaml:"prompt_template" json:"prompt_template"`
	Verbosity      string  `yaml:"verbosity" json:"verbosity"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	ContextBudget  int     `yaml:"context_budget" json:"context_budget"`
}

// ServicesConfig holds connection info for backing services.
type ServicesConfig struct {
	LLMProviderType string `yaml:"llm_provider_type"`
	LLMBaseURL      string `yaml:"llm_base_url"`
	LLMAPIKeyEnv    string `yaml:"llm_api_key_env"`
	NATSURL         string `yaml:"nats_url"`
	ChatStoreDSN    string `yaml:"chatstore_dsn"`
	HTTPAddr        string `yaml:"http_addr"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// SourcesConfig lists configured ingestion collectors.
type SourcesConfig struct {
	Web     []WebSource     `yaml:"web"`
	Git     []GitSource     `yaml:"git"`
	Tickets []TicketSource  `yaml:"tickets"`
}

type WebSource struct {
	Name      string   `yaml:"name"`
	SeedURLs  []string `yaml:"seed_urls"`
	MaxDepth  int      `yaml:"max_depth"`
	MaxPages  int      `yaml:"max_pages"`
	Schedule  string   `yaml:"schedule"`
	ResetData bool     `yaml:"reset_data"`
}

type GitSource struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Ref       string `yaml:"ref"`
	Schedule  string `yaml:"schedule"`
	ResetData bool   `yaml:"reset_data"`
}

type TicketSource struct {
	Name      string `yaml:"name"`
	System    string `yaml:"system"` // e.g. "redmine", "jira"
	BaseURL   string `yaml:"base_url"`
	Schedule  string `yaml:"schedule"`
	ResetData bool   `yaml:"reset_data"`
}

// UtilsConfig holds cross-cutting utility settings (safety filters, A/B
// sampling, feedback routing).
type UtilsConfig struct {
	SafetyEnabled   bool     `yaml:"safety_enabled"`
	SafetyBlocklist []string `yaml:"safety_blocklist"`
	ABSampleRate    float64  `yaml:"ab_sample_rate"`
}

// Default returns a Config populated with conservative defaults, mirroring
// the shape of a freshly-initialized deployment before any file or
// environment override is applied.
func Default() *Config {
	return &Config{
		Global: GlobalConfig{
			DataRoot: "./data",
			LogLevel: "info",
		},
		DataManager: DataManagerConfig{
			EmbeddingDim:    768,
			ChunkSize:       512,
			ChunkOverlap:    50,
			DistanceMetric:  "cosine",
			BM25K1:          0.5,
			BM25B:           0.75,
			HybridWeightLex: 0.6,
			HybridWeightSem: 0.4,
			SyncInterval:    5 * time.Minute,
		},
		A2rchi: PipelineConfig{
			Temperature:   0.2,
			TopP:          1.0,
			RetrievalK:    8,
			Verbosity:     "normal",
			MaxTokens:     1024,
			ContextBudget: 8192,
		},
		Services: ServicesConfig{
			LLMProviderType: "ollama",
			HTTPAddr:        ":8080",
			MetricsAddr:     ":9090",
		},
		Utils: UtilsConfig{
			SafetyEnabled: true,
		},
	}
}

// Load reads a YAML config document from path (if it exists) and overlays
// environment variables. It resolves no secrets; `${NAME}_FILE`
// indirection is handled separately by Secret. A missing file is not an
// error — defaults apply.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup, so tests can
// supply isolated environments without mutating process state.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if v := getenv("DATA_ROOT"); v != "" {
		cfg.Global.DataRoot = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Global.LogLevel = v
	}
	if v := getenv("LLM_PROVIDER_TYPE"); v != "" {
		cfg.Services.LLMProviderType = v
	}
	if v := getenv("LLM_BASE_URL"); v != "" {
		cfg.Services.LLMBaseURL = v
	}
	if v := getenv("NATS_URL"); v != "" {
		cfg.Services.NATSURL = v
	}
	if v := getenv("CHATSTORE_DSN"); v != "" {
		cfg.Services.ChatStoreDSN = v
	}
	if v := getenv("HTTP_ADDR"); v != "" {
		cfg.Services.HTTPAddr = v
	}

	return cfg, nil
}

// Secret resolves a secret value, preferring NAME_FILE (a path to a
// file-mounted secret) over the plain NAME environment variable, per the
// platform's file-mounted-secrets convention. Returns "" if neither is set.
func Secret(getenv func(string) string, name string) (string, error) {
	if filePath := getenv(name + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("config: read secret file %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return getenv(name), nil
}

// Apply atomically overwrites the runtime-changeable pipeline section.
// Static sections (Global, DataManager) are untouched — callers attempting
// to change them must restart the process instead.
func (c *Config) Apply(patch PipelineConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.A2rchi = patch
}

// Pipeline returns a copy of the current runtime-changeable pipeline
// config, safe to read without racing Apply.
func (c *Config) Pipeline() PipelineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.A2rchi
}

// DefaultPath resolves the config file path from XDG_CONFIG_HOME, falling
// back to ~/.config, mirroring the resolution order of other tools in this
// stack.
func DefaultPath() string {
	return defaultPathWithEnv(os.Getenv)
}

func defaultPathWithEnv(getenv func(string) string) string {
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sable", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sable", "config.yaml")
}

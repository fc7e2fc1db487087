package config

import (
	"os"
	"path/filepath"
	"testing"
)

func mockEnv(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DataManager.ChunkSize != 512 {
		t.Errorf("ChunkSize = %d, want 512", cfg.DataManager.ChunkSize)
	}
	if cfg.DataManager.HybridWeightLex != 0.6 || cfg.DataManager.HybridWeightSem != 0.4 {
		t.Errorf("hybrid weights = %v/%v, want 0.6/0.4", cfg.DataManager.HybridWeightLex, cfg.DataManager.HybridWeightSem)
	}
	if cfg.Services.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.Services.HTTPAddr)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
global:
  data_path: /srv/data
data_manager:
  chunk_size: 256
  embedding_dim: 1536
a2rchi:
  model: llama3
  temperature: 0.5
services:
  llm_provider_type: openai
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithEnv(path, mockEnv(nil))
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.Global.DataRoot != "/srv/data" {
		t.Errorf("DataRoot = %q", cfg.Global.DataRoot)
	}
	if cfg.DataManager.ChunkSize != 256 || cfg.DataManager.EmbeddingDim != 1536 {
		t.Errorf("data_manager not applied: %+v", cfg.DataManager)
	}
	if cfg.A2rchi.Model != "llama3" || cfg.A2rchi.Temperature != 0.5 {
		t.Errorf("a2rchi not applied: %+v", cfg.A2rchi)
	}
	// defaults preserved where the file was silent
	if cfg.DataManager.ChunkOverlap != 50 {
		t.Errorf("ChunkOverlap = %d, want default 50", cfg.DataManager.ChunkOverlap)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`global:
  data_path: /from/file`), 0o644)

	env := mockEnv(map[string]string{"DATA_ROOT": "/from/env"})
	cfg, err := LoadWithEnv(path, env)
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.Global.DataRoot != "/from/env" {
		t.Errorf("DataRoot = %q, want /from/env (env override)", cfg.Global.DataRoot)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), mockEnv(nil))
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.DataManager.ChunkSize != 512 {
		t.Errorf("expected defaults, got ChunkSize=%d", cfg.DataManager.ChunkSize)
	}
}

func TestSecretPrefersFileIndirection(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "api_key")
	os.WriteFile(secretPath, []byte("from-file-secret\n"), 0o600)

	env := mockEnv(map[string]string{
		"LLM_API_KEY_FILE": secretPath,
		"LLM_API_KEY":      "from-plain-env",
	})

	got, err := Secret(env, "LLM_API_KEY")
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if got != "from-file-secret" {
		t.Errorf("Secret = %q, want file contents to win over plain env", got)
	}
}

func TestSecretFallsBackToPlainEnv(t *testing.T) {
	env := mockEnv(map[string]string{"LLM_API_KEY": "plain-value"})
	got, err := Secret(env, "LLM_API_KEY")
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if got != "plain-value" {
		t.Errorf("Secret = %q, want plain-value", got)
	}
}

func TestApplyUpdatesPipelineOnly(t *testing.T) {
	cfg := Default()
	before := cfg.Global.DataRoot

	cfg.Apply(PipelineConfig{Model: "gpt-4o-mini", Temperature: 0.9, RetrievalK: 16})

	got := cfg.Pipeline()
	if got.Model != "gpt-4o-mini" || got.Temperature != 0.9 || got.RetrievalK != 16 {
		t.Errorf("Apply did not take effect: %+v", got)
	}
	if cfg.Global.DataRoot != before {
		t.Errorf("Apply must not touch static Global section")
	}
}

func TestDefaultPathXDG(t *testing.T) {
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": "/custom/config"})
	got := defaultPathWithEnv(env)
	want := filepath.Join("/custom/config", "sable", "config.yaml")
	if got != want {
		t.Errorf("defaultPathWithEnv = %q, want %q", got, want)
	}
}

// Package config handles Cortex configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cortex/config.yaml, /etc/cortex/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cortex", "config.yaml"))
	}

	paths = append(paths, "/etc/cortex/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Cortex configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Session   SessionConfig   `yaml:"session"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Reflect   ReflectConfig   `yaml:"reflect"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the model backend connection.
type OllamaConfig struct {
	URL        string `yaml:"url"`         // Base URL (default: http://localhost:11434)
	ChatModel  string `yaml:"chat_model"`  // Generation model (e.g., qwen3:4b)
	EmbedModel string `yaml:"embed_model"` // Embedding model (e.g., nomic-embed-text)
}

// WorkspaceConfig defines the sandbox for file operations.
type WorkspaceConfig struct {
	// WriteRoot is the single directory tools may write into.
	// If empty, the write_file tool is disabled.
	WriteRoot string `yaml:"write_root"`
	// ReadDirs are additional directories tools may read and index
	// but never write.
	ReadDirs []string `yaml:"read_dirs"`
}

// SessionConfig bounds per-connection conversation history.
type SessionConfig struct {
	MaxMessages int `yaml:"max_messages"` // Default: 40
	MaxTokens   int `yaml:"max_tokens"`   // Approximate token budget (default: 12000)
}

// RetrievalConfig selects and bounds the context assembly strategy.
type RetrievalConfig struct {
	Strategy   string `yaml:"strategy"`    // "lexical" or "vector" (default: vector)
	MaxChunks  int    `yaml:"max_chunks"`  // Default: 6
	CharBudget int    `yaml:"char_budget"` // Default: 8000
}

// ReflectConfig controls the draft/critique/refine loop.
type ReflectConfig struct {
	// Enabled is the startup default; connections can toggle it at runtime.
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8090},
		Ollama: OllamaConfig{
			URL:        "http://localhost:11434",
			ChatModel:  "qwen3:4b",
			EmbedModel: "nomic-embed-text",
		},
		Session: SessionConfig{
			MaxMessages: 40,
			MaxTokens:   12000,
		},
		Retrieval: RetrievalConfig{
			Strategy:   "vector",
			MaxChunks:  6,
			CharBudget: 8000,
		},
		Reflect: ReflectConfig{Enabled: true},
		DataDir: "data",
	}
}

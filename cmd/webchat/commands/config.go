package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the server configuration file.
type Config struct {
	Listen   string `yaml:"listen"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// IdleTimeout is a Go duration string.
	IdleTimeout string `yaml:"idle_timeout"`

	OpenAI struct {
		APIKey             string `yaml:"api_key"`
		BaseURL            string `yaml:"base_url"`
		TranscriptionModel string `yaml:"transcription_model"`
		RealtimeURL        string `yaml:"realtime_url"`
		RealtimeModel      string `yaml:"realtime_model"`
	} `yaml:"openai"`

	Gemini struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"gemini"`

	Moderation struct {
		TTL        string `yaml:"ttl"`
		MaxEntries int    `yaml:"max_entries"`
	} `yaml:"moderation"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Listen:   ":8080",
		Provider: "openai",
		Model:    "gpt-4o-mini",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	return cfg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds toxworker configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ModelConfig struct {
	Dir             string `yaml:"dir"`              // bundle root, one subdir per variant
	Variant         string `yaml:"variant"`          // e.g. "multilingual"
	SeqLen          int    `yaml:"seq_len"`          // tokens per request
	IntraThreads    int    `yaml:"intra_threads"`    // 0 = onnxruntime default
	InterThreads    int    `yaml:"inter_threads"`    // 0 = onnxruntime default
	VerifyIntegrity bool   `yaml:"verify_integrity"` // check manifest.json hashes before load
	RuntimeLibrary  string `yaml:"runtime_library"`  // explicit onnxruntime shared library
	WarmupText      string `yaml:"warmup_text"`      // scored once before announcing ready
}

type ProtocolConfig struct {
	MaxLineBytes int `yaml:"max_line_bytes"` // -1 = unlimited
}

type LoggingConfig struct {
	Level   string `yaml:"level"`    // debug | info | warn | error
	Format  string `yaml:"format"`   // json | console
	LogText bool   `yaml:"log_text"` // add redacted text previews to debug logs
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Model.Dir == "" {
		cfg.Model.Dir = "models"
	}
	if cfg.Model.Variant == "" {
		cfg.Model.Variant = "multilingual"
	}
	if cfg.Model.SeqLen == 0 {
		cfg.Model.SeqLen = 256
	}

	if cfg.Protocol.MaxLineBytes == 0 {
		cfg.Protocol.MaxLineBytes = 1 << 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "toxworker"
	}
}

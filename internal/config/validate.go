package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := validateModelConfig(cfg.Model); err != nil {
		return err
	}

	if cfg.Protocol.MaxLineBytes < -1 {
		return fmt.Errorf("protocol.max_line_bytes must be positive or -1 for unlimited, got %d", cfg.Protocol.MaxLineBytes)
	}

	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	return nil
}

func validateModelConfig(m ModelConfig) error {
	if strings.TrimSpace(m.Dir) == "" {
		return errors.New("model.dir must be set")
	}
	v := strings.TrimSpace(m.Variant)
	if v == "" {
		return errors.New("model.variant must be set")
	}
	if v != m.Variant || v == "." || v == ".." || strings.ContainsAny(v, `/\`) || filepath.IsAbs(v) {
		return fmt.Errorf("model.variant must be a plain directory name, got %q", m.Variant)
	}
	if m.SeqLen < 8 || m.SeqLen > 4096 {
		return fmt.Errorf("model.seq_len must be between 8 and 4096, got %d", m.SeqLen)
	}
	if m.IntraThreads < 0 {
		return fmt.Errorf("model.intra_threads must be >= 0, got %d", m.IntraThreads)
	}
	if m.InterThreads < 0 {
		return fmt.Errorf("model.inter_threads must be >= 0, got %d", m.InterThreads)
	}
	return nil
}

func validateLoggingConfig(l LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", l.Format)
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

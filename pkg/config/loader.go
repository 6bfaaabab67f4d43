package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// KernelYAMLConfig represents the complete kernel.yaml file structure.
type KernelYAMLConfig struct {
	Defaults  *Defaults        `yaml:"defaults"`
	Queue     *QueueConfig     `yaml:"queue"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load kernel.yaml from configDir
//  2. Expand environment variables
//  3. Merge built-in defaults with anything the YAML overrides
//  4. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"worker_count", stats.WorkerCount,
		"max_concurrent_per_tenant", stats.MaxConcurrentPerTenant,
		"retention_days", stats.RetentionDays)

	return cfg, nil
}

// load is the internal loader (not exported).
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadKernelYAML()
	if err != nil {
		return nil, NewLoadError("kernel.yaml", err)
	}

	// Resolve queue config: start from built-in defaults, merge user
	// YAML on top so unset fields keep their default rather than
	// zeroing out.
	queueCfg := DefaultQueueConfig()
	if yamlCfg.Queue != nil {
		if err := mergo.Merge(queueCfg, yamlCfg.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	defaultsCfg := DefaultDefaults()
	if yamlCfg.Defaults != nil {
		if err := mergo.Merge(defaultsCfg, yamlCfg.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge defaults config: %w", err)
		}
	}

	retentionCfg := DefaultRetentionConfig()
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(retentionCfg, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	return &Config{
		configDir: configDir,
		Defaults:  defaultsCfg,
		Queue:     queueCfg,
		Retention: retentionCfg,
	}, nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser raise the clearer error instead.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadKernelYAML loads kernel.yaml. A missing file is not an error — every
// section falls back to its built-in default.
func (l *configLoader) loadKernelYAML() (*KernelYAMLConfig, error) {
	var cfg KernelYAMLConfig
	err := l.loadYAML("kernel.yaml", &cfg)
	if err != nil && errors.Is(err, ErrConfigNotFound) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

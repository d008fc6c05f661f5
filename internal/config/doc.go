// Package config provides configuration loading and validation for the VAD service.
// It handles YAML-based configuration with per-section validation, falls back to
// defaults for omitted values and applies TENVAD_* environment overrides.
package config

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

// Loader reads a configuration file, applies environment overrides and
// keyring secrets, then validates the result.
type Loader struct {
	envLoader *EnvLoader
	validator *Validator
	secrets   SecretLookup
}

// NewLoader returns a loader using the AUTOSYS environment prefix and the
// OS keyring.
func NewLoader() *Loader {
	return &Loader{
		envLoader: NewEnvLoader(DefaultEnvPrefix),
		validator: NewValidator(),
		secrets:   KeyringLookup,
	}
}

// WithSecrets replaces the keyring lookup.
func (l *Loader) WithSecrets(lookup SecretLookup) *Loader {
	l.secrets = lookup
	return l
}

// WithEnvPrefix replaces the environment prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envLoader = NewEnvLoader(prefix)
	return l
}

// Load reads path and returns a validated configuration. A missing file
// yields defaults plus environment overrides. Every failure is a
// configuration error.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.TypeConfigurationInvalid, "config.load", err)
		}
	} else if err := decode(data, cfg); err != nil {
		return nil, apperrors.Wrapf(apperrors.TypeConfigurationInvalid, "config.load", err, "parse %s", path)
	}

	if err := l.envLoader.Load(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeConfigurationInvalid, "config.env", err)
	}

	cfg.normalize()

	if err := resolveSecrets(cfg, l.secrets); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeConfigurationInvalid, "config.secrets", err)
	}

	if err := l.validator.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads path with the default loader.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvHost           = "RABBITCORE_HOST"
	EnvPort           = "RABBITCORE_PORT"
	EnvVirtualHost    = "RABBITCORE_VHOST"
	EnvUsername       = "RABBITCORE_USERNAME"
	EnvPassword       = "RABBITCORE_PASSWORD"
	EnvConnectionName = "RABBITCORE_CONNECTION_NAME"
	EnvMaxChannels    = "RABBITCORE_MAX_CHANNELS"
	EnvSendTimeoutMS  = "RABBITCORE_SEND_TIMEOUT_MS"
)

// Load reads settings from a YAML file, applies defaults and then
// environment overrides. An empty path loads from the environment only.
// The result is not validated.
func Load(path string) (Settings, error) {
	var s Settings

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	s = s.WithDefaults()

	if err := applyEnv(&s); err != nil {
		return Settings{}, err
	}

	return s, nil
}

func applyEnv(s *Settings) error {
	if v, ok := os.LookupEnv(EnvHost); ok {
		s.Host = v
	}
	if v, ok := os.LookupEnv(EnvVirtualHost); ok {
		s.VirtualHost = v
	}
	if v, ok := os.LookupEnv(EnvUsername); ok {
		s.Username = v
	}
	if v, ok := os.LookupEnv(EnvPassword); ok {
		s.Password = v
	}
	if v, ok := os.LookupEnv(EnvConnectionName); ok {
		s.ConnectionName = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvPort, &s.Port},
		{EnvMaxChannels, &s.MaxChannels},
		{EnvSendTimeoutMS, &s.SendTimeoutMillis},
	}
	for _, i := range ints {
		v, ok := os.LookupEnv(i.env)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", i.env, v, err)
		}
		*i.dst = n
	}

	return nil
}

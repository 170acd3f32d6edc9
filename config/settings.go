// Package config holds the connection settings of a rabbitcore client and
// loads them from YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultVirtualHost       = "/"
	DefaultPort              = 5672
	DefaultMaxChannels       = 20
	DefaultSendTimeoutMillis = 5000
)

// ErrInvalidSettings is wrapped by every Validate failure
var ErrInvalidSettings = errors.New("config: invalid settings")

// Settings describes how to reach the broker and how many resources the
// client may use on it.
type Settings struct {
	Host              string `yaml:"host"`
	VirtualHost       string `yaml:"virtual_host"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	Port              int    `yaml:"port"`
	ConnectionName    string `yaml:"connection_name"`
	MaxChannels       int    `yaml:"max_channels"`
	SendTimeoutMillis int    `yaml:"send_timeout_ms"`
}

// Defaults returns settings with every optional field populated
func Defaults() Settings {
	return Settings{
		VirtualHost:       DefaultVirtualHost,
		Port:              DefaultPort,
		MaxChannels:       DefaultMaxChannels,
		SendTimeoutMillis: DefaultSendTimeoutMillis,
	}
}

// WithDefaults returns a copy of s with zero-valued optional fields set
func (s Settings) WithDefaults() Settings {
	if s.VirtualHost == "" {
		s.VirtualHost = DefaultVirtualHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.MaxChannels == 0 {
		s.MaxChannels = DefaultMaxChannels
	}
	if s.SendTimeoutMillis == 0 {
		s.SendTimeoutMillis = DefaultSendTimeoutMillis
	}
	return s
}

// Validate reports every violation at once. The returned error wraps
// ErrInvalidSettings and the per-field validation.Errors.
func (s Settings) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Host, validation.Required),
		validation.Field(&s.VirtualHost, validation.Required),
		validation.Field(&s.Username, validation.Required),
		validation.Field(&s.Password, validation.Required),
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.ConnectionName, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.MaxChannels, validation.Required, validation.Min(1)),
		validation.Field(&s.SendTimeoutMillis, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

// SendTimeout is the per-message confirmation timeout
func (s Settings) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutMillis) * time.Millisecond
}

// URI returns the AMQP URI for these settings
func (s Settings) URI() amqp.URI {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		Vhost:    s.VirtualHost,
	}
}

// URL returns the dial URL, credentials included
func (s Settings) URL() string {
	return s.URI().String()
}

// SafeURL returns the dial URL with the password masked, for logging
func (s Settings) SafeURL() string {
	u := s.URI()
	if u.Password != "" {
		u.Password = "xxxxx"
	}
	return u.String()
}

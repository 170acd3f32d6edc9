// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitcore/config"
	"github.com/glimte/rabbitcore/health"
	"github.com/glimte/rabbitcore/internal/rabbitmq"
	"github.com/glimte/rabbitcore/internal/reliability"
)

type (
	Settings          = config.Settings
	Headers           = amqp.Table
	Completion        = rabbitmq.Completion
	ConsumedMessage   = rabbitmq.ConsumedMessage
	ConsumeHandler    = rabbitmq.ConsumeHandler
	FailureHandler    = rabbitmq.FailureHandler
	Subscription      = rabbitmq.ResilientSubscription
	SubscriptionState = rabbitmq.SubscriptionState
	SendOption        = rabbitmq.SendOption
	SubscribeOption   = rabbitmq.SubscribeOption
	Stats             = rabbitmq.Stats
	StateListener     = rabbitmq.ConnectionStateListener
	Dialer            = rabbitmq.Dialer
	Connection        = rabbitmq.Connection
	Channel           = rabbitmq.Channel
	RetryPolicy       = reliability.RetryPolicy
	PublishError      = rabbitmq.PublishError
	ConsumerFailure   = rabbitmq.ConsumerFailure
)

var (
	ErrInvalidConfiguration   = rabbitmq.ErrInvalidConfiguration
	ErrConnectionClosed       = rabbitmq.ErrConnectionClosed
	ErrManagerClosed          = rabbitmq.ErrManagerClosed
	ErrChannelUnavailable     = rabbitmq.ErrChannelUnavailable
	ErrChannelBudgetExhausted = rabbitmq.ErrChannelBudgetExhausted
	ErrChannelClosed          = rabbitmq.ErrChannelClosed
	ErrPublisherClosed        = rabbitmq.ErrPublisherClosed
	ErrPublishTimedOut        = rabbitmq.ErrPublishTimedOut
	ErrPublishRejected        = rabbitmq.ErrPublishRejected
	ErrPublishUnroutable      = rabbitmq.ErrPublishUnroutable
	ErrDuplicateSubscription  = rabbitmq.ErrDuplicateSubscription
	ErrConsumerFailure        = rabbitmq.ErrConsumerFailure
	ErrConsumerCancelled      = rabbitmq.ErrConsumerCancelled
	ErrConsumerUnhealthy      = rabbitmq.ErrConsumerUnhealthy
	ErrAlreadyAcknowledged    = rabbitmq.ErrAlreadyAcknowledged
	ErrManualAckDisabled      = rabbitmq.ErrManualAckDisabled
)

const (
	StateIdle     = rabbitmq.StateIdle
	StateCreating = rabbitmq.StateCreating
	StateActive   = rabbitmq.StateActive
	StateStopped  = rabbitmq.StateStopped
)

// Send and subscribe options
var (
	WithPersistent         = rabbitmq.WithPersistent
	WithMandatory          = rabbitmq.WithMandatory
	WithAutoAck            = rabbitmq.WithAutoAck
	WithPrefetchCount      = rabbitmq.WithPrefetchCount
	WithChannelCheckPeriod = rabbitmq.WithChannelCheckPeriod
	WithRetryDelay         = rabbitmq.WithRetryDelay
	WithFailureHandler     = rabbitmq.WithFailureHandler
)

// IsPublishFailure reports whether err is a broker publish outcome
func IsPublishFailure(err error) bool {
	return rabbitmq.IsPublishFailure(err)
}

// Client provides the main entry point for rabbitcore
type Client struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
	health  *health.Registry
}

// NewClient creates a client from settings. Nothing is dialed until the
// first Send, SubscribeToConsume or Connect.
func NewClient(settings Settings, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
	}
	if cfg.registerer != nil {
		connOpts = append(connOpts, rabbitmq.WithMetrics(rabbitmq.NewMetrics(cfg.registerer)))
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.dialPolicy != nil {
		connOpts = append(connOpts, rabbitmq.WithDialRetryPolicy(cfg.dialPolicy))
	}

	manager, err := rabbitmq.NewConnectionManager(settings, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	registry := health.NewRegistry(manager.Settings().ConnectionName)
	registry.Register(health.NewConnectionChecker(manager, health.DefaultBudgetWarning))

	return &Client{
		manager: manager,
		logger:  cfg.logger,
		health:  registry,
	}, nil
}

// NewClientFromFile loads settings from a YAML file and the environment
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	settings, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClient(settings, options...)
}

// Connect dials the broker eagerly
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Send publishes body to exchange with routingKey. The Completion resolves
// once the broker has confirmed, rejected or returned the message, or the
// send timeout expired.
func (c *Client) Send(ctx context.Context, exchange, routingKey string, headers Headers, contentType string, body []byte, opts ...SendOption) (*Completion, error) {
	return c.manager.Send(ctx, exchange, routingKey, headers, contentType, body, opts...)
}

// SendAndWait sends and blocks until the outcome is known or ctx is done
func (c *Client) SendAndWait(ctx context.Context, exchange, routingKey string, headers Headers, contentType string, body []byte, opts ...SendOption) error {
	completion, err := c.Send(ctx, exchange, routingKey, headers, contentType, body, opts...)
	if err != nil {
		return err
	}
	return completion.Wait(ctx)
}

// SubscribeToConsume starts consuming queue. The subscription recreates its
// consumer after broker failures until it is unsubscribed.
func (c *Client) SubscribeToConsume(ctx context.Context, queue string, handler ConsumeHandler, opts ...SubscribeOption) (*Subscription, error) {
	return c.manager.SubscribeToConsume(ctx, queue, handler, opts...)
}

// AddStateListener registers a connection state listener
func (c *Client) AddStateListener(listener StateListener) {
	c.manager.AddStateListener(listener)
}

// Stats returns connection, channel and publish counters
func (c *Client) Stats() Stats {
	return c.manager.Stats()
}

// Settings returns the effective settings
func (c *Client) Settings() Settings {
	return c.manager.Settings()
}

// Health returns the client's health registry. A connection check is
// registered by default.
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close unsubscribes every subscription, fails in-flight publishes with
// ErrPublisherClosed and closes the connection.
func (c *Client) Close() error {
	return c.manager.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	dialer     Dialer
	dialPolicy RetryPolicy
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics registers the client's Prometheus collectors with reg
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithDefaultMetrics registers metrics with the default Prometheus registry
func WithDefaultMetrics() ClientOption {
	return WithMetrics(prometheus.DefaultRegisterer)
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithDialRetryPolicy sets the retry policy used by Connect
func WithDialRetryPolicy(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialPolicy = policy
	}
}

// NewExponentialBackoff returns a RetryPolicy for WithDialRetryPolicy.
// A negative maxRetries retries until the context is done.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, multiplier, maxRetries)
}

// NewFixedDelay returns a RetryPolicy waiting delay between attempts
func NewFixedDelay(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitcore/internal/reliability"
)

// DefaultRetryDelay is the fixed backoff between consumer recreation attempts
const DefaultRetryDelay = 5 * time.Second

// SubscriptionState describes where a ResilientSubscription is in its
// create/fail/retry cycle.
type SubscriptionState int

const (
	StateIdle SubscriptionState = iota
	StateCreating
	StateActive
	StateStopped
)

func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type subscribeConfig struct {
	autoAck       bool
	prefetchCount int
	checkPeriod   time.Duration
	retryDelay    time.Duration
	onFailure     FailureHandler
}

func defaultSubscribeConfig() subscribeConfig {
	return subscribeConfig{
		autoAck:       false,
		prefetchCount: DefaultPrefetchCount,
		checkPeriod:   DefaultChannelCheckPeriod,
		retryDelay:    DefaultRetryDelay,
	}
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscribeConfig)

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.autoAck = autoAck
	}
}

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.prefetchCount = count
	}
}

// WithChannelCheckPeriod sets the interval of the consumer watchdogs
func WithChannelCheckPeriod(period time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		if period > 0 {
			c.checkPeriod = period
		}
	}
}

// WithRetryDelay sets the fixed delay before a failed consumer is recreated
func WithRetryDelay(delay time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithFailureHandler registers the application failure handler
func WithFailureHandler(handler FailureHandler) SubscribeOption {
	return func(c *subscribeConfig) {
		c.onFailure = handler
	}
}

// consumerFactory is the part of the ConnectionManager a subscription uses.
type consumerFactory interface {
	createConsumer(queue string, cfg consumerConfig) (*QueueConsumer, error)
	releaseSubscription(queue string, s *ResilientSubscription)
}

// ResilientSubscription keeps one logical queue subscription alive. Each
// QueueConsumer it creates is tagged with a generation number; only a
// failure of the current generation triggers a rebuild.
type ResilientSubscription struct {
	queue   string
	factory consumerFactory
	handler ConsumeHandler
	cfg     subscribeConfig
	backoff reliability.RetryPolicy
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	generation   int
	consumers    map[int]*QueueConsumer
	state        SubscriptionState
	explicitStop bool
	disposed     bool

	retry     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

func newResilientSubscription(
	factory consumerFactory,
	queue string,
	handler ConsumeHandler,
	cfg subscribeConfig,
	logger *slog.Logger,
	metrics *Metrics,
) (*ResilientSubscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ResilientSubscription{
		queue:     queue,
		factory:   factory,
		handler:   handler,
		cfg:       cfg,
		backoff:   reliability.NewFixedDelay(cfg.retryDelay, -1),
		logger:    logger.With("queue", queue),
		metrics:   metrics,
		consumers: make(map[int]*QueueConsumer),
		state:     StateIdle,
		retry:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}

	s.mu.Lock()
	err := s.create()
	s.mu.Unlock()

	if err != nil {
		if !IsRetryable(err) {
			cancel()
			return nil, err
		}
		s.logger.Warn("initial consumer creation failed, retrying",
			"error", err,
			"retryIn", cfg.retryDelay)
		s.signalRetry()
	}

	go s.retryLoop()

	return s, nil
}

// Queue returns the subscribed queue name
func (s *ResilientSubscription) Queue() string {
	return s.queue
}

// State returns the current lifecycle state
func (s *ResilientSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation number
func (s *ResilientSubscription) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// create must be called with s.mu held.
func (s *ResilientSubscription) create() error {
	gen := s.generation
	s.state = StateCreating

	c, err := s.factory.createConsumer(s.queue, consumerConfig{
		queue:         s.queue,
		autoAck:       s.cfg.autoAck,
		prefetchCount: s.cfg.prefetchCount,
		checkPeriod:   s.cfg.checkPeriod,
		generation:    gen,
		handler:       s.handler,
		onFailure: func(f *ConsumerFailure) {
			s.handleFailure(gen, f)
		},
	})
	if err != nil {
		s.state = StateIdle
		return err
	}

	s.consumers[gen] = c
	s.state = StateActive
	return nil
}

func (s *ResilientSubscription) handleFailure(gen int, failure *ConsumerFailure) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.explicitStop && errors.Is(failure, ErrConsumerCancelled) {
		s.mu.Unlock()
		return
	}

	var failed *QueueConsumer
	if gen == s.generation && !s.explicitStop {
		failed = s.consumers[gen]
		delete(s.consumers, gen)
		s.generation++
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.notifyFailure(failure)

	if failed == nil {
		s.logger.Debug("ignoring failure of superseded consumer", "generation", gen)
		return
	}

	if err := failed.Close(); err != nil {
		s.logger.Debug("error closing failed consumer", "generation", gen, "error", err)
	}
	s.logger.Warn("consumer failed, scheduling recreation",
		"generation", gen,
		"reason", failure.Reason,
		"retryIn", s.cfg.retryDelay)
	s.signalRetry()
}

func (s *ResilientSubscription) notifyFailure(err error) {
	if s.cfg.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failure handler panicked", "panic", r)
		}
	}()
	s.cfg.onFailure(err)
}

func (s *ResilientSubscription) signalRetry() {
	select {
	case s.retry <- struct{}{}:
	default:
	}
}

func (s *ResilientSubscription) retryLoop() {
	defer close(s.loopDone)

	attempt := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.retry:
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.backoff.NextDelay(attempt)):
		}

		s.mu.Lock()
		if s.disposed || s.explicitStop {
			s.mu.Unlock()
			return
		}
		if _, active := s.consumers[s.generation]; active {
			s.mu.Unlock()
			continue
		}
		err := s.create()
		gen := s.generation
		s.mu.Unlock()

		if err != nil {
			attempt++
			s.logger.Warn("failed to recreate consumer",
				"generation", gen,
				"attempt", attempt,
				"error", err,
				"retryIn", s.cfg.retryDelay)
			s.signalRetry()
			continue
		}

		attempt = 0
		s.metrics.incRebuild(s.queue)
		s.logger.Info("consumer recreated", "generation", gen)
	}
}

// StopConsuming cancels the broker consumers of every live generation.
// Messages already delivered stay ackable until Close.
func (s *ResilientSubscription) StopConsuming() error {
	s.mu.Lock()
	s.explicitStop = true
	consumers := make([]*QueueConsumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.StopConsuming(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe stops consuming and disposes the subscription. Unacked
// messages are returned to the queue by the broker when the channel closes.
func (s *ResilientSubscription) Unsubscribe() error {
	stopErr := s.StopConsuming()
	if err := s.Close(); err != nil {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.queue, stopErr)
	}
	return nil
}

// Close stops the retry loop and closes every generation's channel,
// swallowing close-time errors. It is idempotent.
func (s *ResilientSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.disposed = true
		s.explicitStop = true
		s.state = StateStopped
		consumers := s.consumers
		s.consumers = make(map[int]*QueueConsumer)
		s.mu.Unlock()

		s.cancel()
		<-s.loopDone

		for gen, c := range consumers {
			if err := c.Close(); err != nil {
				s.logger.Debug("error closing consumer", "generation", gen, "error", err)
			}
		}

		s.factory.releaseSubscription(s.queue, s)
	})
	return nil
}

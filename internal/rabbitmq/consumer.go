package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultPrefetchCount is the default QoS prefetch for consumers
	DefaultPrefetchCount = 200

	// DefaultChannelCheckPeriod is the default watchdog interval
	DefaultChannelCheckPeriod = 60 * time.Second
)

// consumerConfig carries everything a QueueConsumer needs from its creator.
type consumerConfig struct {
	queue          string
	connectionName string
	autoAck        bool
	prefetchCount  int
	checkPeriod    time.Duration
	generation     int
	handler        ConsumeHandler
	onFailure      func(*ConsumerFailure)
	onClose        func()
	logger         *slog.Logger
	metrics        *Metrics
}

// QueueConsumer delivers messages from one queue over one channel and one
// broker consumer, and reports its own unhealthiness exactly once.
type QueueConsumer struct {
	cfg        consumerConfig
	ch         Channel
	tag        string
	deliveries <-chan amqp.Delivery

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	stopping  atomic.Bool
	closeErr  atomic.Pointer[amqp.Error]
	failOnce  sync.Once
	closeOnce sync.Once
}

// newQueueConsumer opens a channel, applies QoS, verifies the queue and
// starts the broker consumer together with its watchdogs.
func newQueueConsumer(openChannel func() (Channel, error), cfg consumerConfig) (*QueueConsumer, error) {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.checkPeriod <= 0 {
		cfg.checkPeriod = DefaultChannelCheckPeriod
	}

	ch, err := openChannel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Owner: cfg.queue, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(cfg.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "set qos", Owner: cfg.queue, Err: err, Timestamp: time.Now()}
	}

	if _, err := ch.QueueDeclarePassive(cfg.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "check queue", Owner: cfg.queue, Err: err, Timestamp: time.Now()}
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 1))

	tag := consumerTag(cfg.connectionName, cfg.queue)
	deliveries, err := ch.Consume(cfg.queue, tag, cfg.autoAck, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "consume", Owner: cfg.queue, Err: err, Timestamp: time.Now()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &QueueConsumer{
		cfg:        cfg,
		ch:         ch,
		tag:        tag,
		deliveries: deliveries,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.running.Store(true)

	go c.processDeliveries()
	go c.watchNotifications(closes, cancels)
	go c.watchdog("channel", c.checkChannel)
	go c.watchdog("consumer", c.checkConsumer)

	cfg.logger.Info("consumer started",
		"queue", cfg.queue,
		"consumerTag", tag,
		"autoAck", cfg.autoAck,
		"prefetchCount", cfg.prefetchCount,
		"generation", cfg.generation)

	return c, nil
}

// consumerTag builds a traceable tag: <client>-<queue>-<random>.
func consumerTag(connectionName, queue string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", connectionName, queue, suffix)
}

// Queue returns the consumed queue name
func (c *QueueConsumer) Queue() string {
	return c.cfg.queue
}

// ConsumerTag returns the broker consumer tag
func (c *QueueConsumer) ConsumerTag() string {
	return c.tag
}

// Generation returns the subscription generation this consumer belongs to
func (c *QueueConsumer) Generation() int {
	return c.cfg.generation
}

// IsRunning reports whether the broker-side consumer is still delivering
func (c *QueueConsumer) IsRunning() bool {
	return c.running.Load()
}

// StopConsuming cancels the broker consumer but keeps the channel open so
// messages already delivered can still be acked or nacked.
func (c *QueueConsumer) StopConsuming() error {
	if !c.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Cancel(c.tag, false); err != nil {
		return &ChannelError{Op: "cancel consumer", Owner: c.cfg.queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Close stops the watchdogs and closes the channel. It is idempotent.
func (c *QueueConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.running.Store(false)
		if !c.ch.IsClosed() {
			err = c.ch.Close()
		}
		if c.cfg.onClose != nil {
			c.cfg.onClose()
		}
		c.cfg.logger.Info("consumer closed",
			"queue", c.cfg.queue,
			"consumerTag", c.tag,
			"generation", c.cfg.generation)
	})
	return err
}

func (c *QueueConsumer) processDeliveries() {
	for {
		select {
		case <-c.ctx.Done():
			return

		case d, ok := <-c.deliveries:
			if !ok {
				c.running.Store(false)
				switch {
				case c.stopping.Load():
					c.fail(ErrConsumerCancelled, "consumer cancelled by application")
				case c.ch.IsClosed():
					c.fail(ErrChannelClosed, "delivery stream closed with channel")
				default:
					c.fail(ErrConsumerCancelled, "delivery stream closed")
				}
				return
			}
			c.dispatch(d)
		}
	}
}

func (c *QueueConsumer) dispatch(d amqp.Delivery) {
	msg := newConsumedMessage(d)
	if !c.cfg.autoAck {
		tag := d.DeliveryTag
		msg.settle = func(ack, requeue bool) error {
			return c.settle(tag, ack, requeue)
		}
	}

	c.cfg.metrics.incConsumed(c.cfg.queue)

	defer func() {
		if r := recover(); r != nil {
			c.cfg.logger.Error("consume handler panicked",
				"queue", c.cfg.queue,
				"consumerTag", c.tag,
				"messageId", msg.MessageID,
				"panic", r)
		}
	}()

	c.cfg.handler(c.ctx, msg)
}

// settle acks or nacks a single delivery tag on the owning channel.
func (c *QueueConsumer) settle(tag uint64, ack, requeue bool) error {
	op := "ack"
	if !ack {
		op = "nack"
	}
	if c.ch.IsClosed() {
		return &ChannelError{Op: op, Owner: c.cfg.queue, Err: ErrChannelClosed, Timestamp: time.Now()}
	}

	var err error
	if ack {
		err = c.ch.Ack(tag, false)
	} else {
		err = c.ch.Nack(tag, false, requeue)
	}
	if err != nil {
		return &ChannelError{Op: op, Owner: c.cfg.queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (c *QueueConsumer) watchNotifications(closes chan *amqp.Error, cancels chan string) {
	select {
	case <-c.ctx.Done():
	case amqpErr, ok := <-closes:
		reason := "channel closed"
		if ok && amqpErr != nil {
			c.closeErr.Store(amqpErr)
			reason = "channel closed by broker: " + closeText(amqpErr)
		}
		c.fail(ErrChannelClosed, reason)
	case tag, ok := <-cancels:
		if !ok {
			return
		}
		c.running.Store(false)
		c.fail(ErrConsumerCancelled, fmt.Sprintf("consumer %s cancelled by broker", tag))
	}
}

func (c *QueueConsumer) watchdog(name string, check func() (string, error)) {
	ticker := time.NewTicker(c.cfg.checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if reason, err := check(); err != nil {
				c.fail(err, name+" check failed: "+reason)
				return
			}
		}
	}
}

func (c *QueueConsumer) checkChannel() (string, error) {
	if !c.ch.IsClosed() {
		return "", nil
	}
	if amqpErr := c.closeErr.Load(); amqpErr != nil {
		return "channel is closed: " + closeText(amqpErr), ErrChannelClosed
	}
	return "channel is closed", ErrChannelClosed
}

func closeText(amqpErr *amqp.Error) string {
	return fmt.Sprintf("%d %s", amqpErr.Code, amqpErr.Reason)
}

func (c *QueueConsumer) checkConsumer() (string, error) {
	if c.stopping.Load() {
		return "", nil
	}
	if !c.running.Load() {
		return "broker consumer is not running", ErrConsumerUnhealthy
	}
	return "", nil
}

// fail raises the failure event once. The consumer disposes itself unless
// the failure is the cancellation requested through StopConsuming.
func (c *QueueConsumer) fail(kind error, reason string) {
	// Closed on purpose; shutdown signals are not failures.
	if c.ctx.Err() != nil {
		return
	}
	c.failOnce.Do(func() {
		failure := &ConsumerFailure{
			Queue:       c.cfg.queue,
			ConsumerTag: c.tag,
			Generation:  c.cfg.generation,
			Reason:      reason,
			Err:         kind,
			Timestamp:   time.Now(),
		}

		stoppedByApp := c.stopping.Load() && kind == ErrConsumerCancelled
		if !stoppedByApp {
			c.cfg.metrics.incConsumerFailure(c.cfg.queue)
			c.cfg.logger.Error("consumer failed",
				"queue", c.cfg.queue,
				"consumerTag", c.tag,
				"generation", c.cfg.generation,
				"reason", reason)
			_ = c.Close()
		}

		if c.cfg.onFailure != nil {
			c.cfg.onFailure(failure)
		}
	})
}

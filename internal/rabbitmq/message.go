package rabbitmq

import (
	"context"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeHandler processes one delivery. Panics are recovered by the consumer.
type ConsumeHandler func(ctx context.Context, msg *ConsumedMessage)

// FailureHandler receives consumer failures. Panics are recovered.
type FailureHandler func(err error)

// ConsumedMessage is an immutable snapshot of one delivery. Ack and Nack are
// only usable when the consumer runs in manual acknowledgement mode.
type ConsumedMessage struct {
	Body          []byte
	Exchange      string
	RoutingKey    string
	ConsumerTag   string
	Redelivered   bool
	Timestamp     time.Time
	CorrelationID string
	MessageID     string
	ReplyTo       string
	Type          string
	ContentType   string
	Headers       amqp.Table
	DeliveryTag   uint64

	settle  func(ack, requeue bool) error
	settled atomic.Bool
}

func newConsumedMessage(d amqp.Delivery) *ConsumedMessage {
	headers := make(amqp.Table, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	return &ConsumedMessage{
		Body:          d.Body,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ConsumerTag:   d.ConsumerTag,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
		CorrelationID: d.CorrelationId,
		MessageID:     d.MessageId,
		ReplyTo:       d.ReplyTo,
		Type:          d.Type,
		ContentType:   d.ContentType,
		Headers:       headers,
		DeliveryTag:   d.DeliveryTag,
	}
}

// CanAck reports whether the message carries manual Ack/Nack callbacks
func (m *ConsumedMessage) CanAck() bool {
	return m.settle != nil
}

// Ack positively acknowledges this single delivery.
func (m *ConsumedMessage) Ack() error {
	return m.settleOnce(true, false)
}

// Nack negatively acknowledges this single delivery; requeue asks the broker
// to redeliver it.
func (m *ConsumedMessage) Nack(requeue bool) error {
	return m.settleOnce(false, requeue)
}

func (m *ConsumedMessage) settleOnce(ack, requeue bool) error {
	if m.settle == nil {
		return ErrManualAckDisabled
	}
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadyAcknowledged
	}
	if err := m.settle(ack, requeue); err != nil {
		m.settled.Store(false)
		return err
	}
	return nil
}

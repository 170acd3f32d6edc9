package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")

	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrManagerClosed    = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelUnavailable     = errors.New("rabbitmq: channel unavailable")
	ErrChannelBudgetExhausted = errors.New("rabbitmq: channel budget exhausted")
	ErrChannelClosed          = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublisherClosed   = errors.New("rabbitmq: publisher is closed")
	ErrPublishTimedOut   = errors.New("rabbitmq: publish timed out")
	ErrPublishRejected   = errors.New("rabbitmq: publish rejected")
	ErrPublishUnroutable = errors.New("rabbitmq: publish unroutable")

	// Consumer errors
	ErrDuplicateSubscription = errors.New("rabbitmq: queue already has an active consumer")
	ErrConsumerFailure       = errors.New("rabbitmq: consumer failure")
	ErrConsumerCancelled     = errors.New("rabbitmq: consumer cancelled")
	ErrConsumerUnhealthy     = errors.New("rabbitmq: consumer unhealthy")
	ErrAlreadyAcknowledged   = errors.New("rabbitmq: delivery already acknowledged")
	ErrManualAckDisabled     = errors.New("rabbitmq: consumer is in auto-ack mode")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Owner     string    // Exchange or queue owning the channel
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s for %s: %v", e.Op, e.Owner, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is reports every ChannelError as ErrChannelUnavailable so callers only
// need to match the error kind.
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannelUnavailable
}

// PublishError is the failure outcome of a single tracked publish.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Mandatory  bool
	Reason     string // broker or local status text
	Err        error  // one of the ErrPublish* kinds, ErrChannelUnavailable or ErrPublisherClosed
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to %s/%s (mandatory=%v): %s: %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Mandatory, e.Reason, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerFailure is raised through a consumer's failure handler when the
// channel or the broker-side consumer stops working.
type ConsumerFailure struct {
	Queue       string
	ConsumerTag string
	Generation  int
	Reason      string
	Err         error // ErrChannelClosed, ErrConsumerCancelled or ErrConsumerUnhealthy
	Timestamp   time.Time
}

func (e *ConsumerFailure) Error() string {
	return fmt.Sprintf("rabbitmq consumer failure: consumer %s on queue %s: %s: %v",
		e.ConsumerTag, e.Queue, e.Reason, e.Err)
}

func (e *ConsumerFailure) Unwrap() []error {
	return []error{ErrConsumerFailure, e.Err}
}

// IsPublishFailure reports whether err is a per-message publish outcome
// rather than a failure of the publisher itself.
func IsPublishFailure(err error) bool {
	switch {
	case errors.Is(err, ErrPublishTimedOut),
		errors.Is(err, ErrPublishRejected),
		errors.Is(err, ErrPublishUnroutable):
		return true
	}
	return false
}

// IsRetryable determines if a failed operation may succeed when attempted again
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrDuplicateSubscription):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	case errors.Is(err, ErrChannelBudgetExhausted):
		return false
	}

	return true
}

package health

import (
	"context"
	"fmt"

	"github.com/glimte/rabbitcore/internal/rabbitmq"
)

// DefaultBudgetWarning is the share of the channel budget in use above
// which the connection is reported degraded.
const DefaultBudgetWarning = 0.9

// StatsSource is implemented by the ConnectionManager and the root Client
type StatsSource interface {
	Stats() rabbitmq.Stats
}

// ConnectionChecker reports the broker connection and channel budget
type ConnectionChecker struct {
	source        StatsSource
	budgetWarning float64
}

// NewConnectionChecker creates a connection checker. A budgetWarning outside
// (0, 1] falls back to DefaultBudgetWarning.
func NewConnectionChecker(source StatsSource, budgetWarning float64) *ConnectionChecker {
	if budgetWarning <= 0 || budgetWarning > 1 {
		budgetWarning = DefaultBudgetWarning
	}
	return &ConnectionChecker{
		source:        source,
		budgetWarning: budgetWarning,
	}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) Result {
	stats := c.source.Stats()

	result := Result{
		Details: map[string]any{
			"connected":        stats.Connected,
			"open_channels":    stats.OpenChannels,
			"max_channels":     stats.MaxChannels,
			"publishers":       stats.Publishers,
			"consumers":        stats.Consumers,
			"subscriptions":    stats.Subscriptions,
			"queued_messages":  stats.QueuedMessages,
			"pending_messages": stats.PendingMessages,
		},
	}

	switch {
	case !stats.Connected:
		result.Status = StatusUnhealthy
		result.Message = "connection is not open"
	case stats.MaxChannels > 0 && float64(stats.OpenChannels) >= c.budgetWarning*float64(stats.MaxChannels):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("channel budget nearly exhausted: %d of %d", stats.OpenChannels, stats.MaxChannels)
	default:
		result.Status = StatusHealthy
		result.Message = "connection is open"
	}

	return result
}

// SubscriptionSource is implemented by *rabbitmq.ResilientSubscription
type SubscriptionSource interface {
	Queue() string
	State() rabbitmq.SubscriptionState
	Generation() int
}

// SubscriptionChecker reports whether a subscription currently has a live consumer
type SubscriptionChecker struct {
	sub SubscriptionSource
}

// NewSubscriptionChecker creates a subscription checker
func NewSubscriptionChecker(sub SubscriptionSource) *SubscriptionChecker {
	return &SubscriptionChecker{sub: sub}
}

func (c *SubscriptionChecker) Name() string {
	return fmt.Sprintf("subscription_%s", c.sub.Queue())
}

func (c *SubscriptionChecker) Check(ctx context.Context) Result {
	state := c.sub.State()

	result := Result{
		Details: map[string]any{
			"queue":      c.sub.Queue(),
			"state":      state.String(),
			"generation": c.sub.Generation(),
		},
	}

	switch state {
	case rabbitmq.StateActive:
		result.Status = StatusHealthy
		result.Message = "consumer is active"
	case rabbitmq.StateIdle, rabbitmq.StateCreating:
		// A rebuild is in progress.
		result.Status = StatusDegraded
		result.Message = "consumer is being recreated"
	default:
		result.Status = StatusUnhealthy
		result.Message = "subscription is stopped"
	}

	return result
}

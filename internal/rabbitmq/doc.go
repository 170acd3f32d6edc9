// Package rabbitmq implements the reliable publishing and consuming core.
//
// This package includes:
//   - ConnectionManager: owns one lazily dialed broker connection and a channel budget
//   - ExchangePublisher: one confirm-mode channel per exchange with tracked completions
//   - QueueConsumer: a single consumer on a dedicated channel with manual or auto ack
//   - ResilientSubscription: recreates a failed QueueConsumer after a fixed delay
//
// Every publish returns a Completion that resolves once with the broker's verdict.
// Publish outcomes are decided in this order: timeout, unroutable return, nack, ack.
package rabbitmq

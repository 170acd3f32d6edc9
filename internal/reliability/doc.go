// Package reliability provides the retry policies used to re-establish
// broker connections and to recreate failed consumers.
//
// Two policies are available:
//   - ExponentialBackoff: growing delays with optional jitter, used for dialing
//   - FixedDelay: the same delay every time, used by resilient subscriptions
//
// Errors are retried unless their chain carries ErrNonRetryable or a
// RetryableError that says otherwise:
//
//	err := reliability.Retry(ctx, reliability.NewExponentialBackoff(
//	    200*time.Millisecond, 30*time.Second, 2.0, 5,
//	), func() error {
//	    return dial()
//	})
package reliability

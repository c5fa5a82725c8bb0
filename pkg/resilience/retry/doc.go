/*
Package retry re-invokes failing calls.

Wrap turns a stage function into one that is retried:

	fetch := retry.Wrap(stage.Unary(download), 3, 100*time.Millisecond)
	p.AppendStage(fetch)

The wrapped function is called at most three times with a 100ms pause
between attempts. When every attempt fails, the error of the last attempt is
returned unchanged, so errors.Is and errors.As keep working on it.

Do and DoValue retry arbitrary operations under a Policy, which adds
exponential growth of the delay, a retry predicate and hooks:

	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: 5,
		Delay:       50 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
		ShouldRetry: retry.OnlyRetryable,
	}, func(ctx context.Context) error {
		return send(ctx)
	})

A canceled context interrupts the pause between attempts; the last error is
returned as is.
*/
package retry

/*
Package throttle limits how often a stage runs with a token bucket.

	lim, err := throttle.New(throttle.Every(100*time.Millisecond), 5)
	if err != nil {
		return err
	}
	p.AppendStage(throttle.Stage(stage.Named("fetch", fetch), lim))

The bucket starts full, so the first five calls pass immediately and later
calls are spaced 100ms apart. Wait honors context cancellation and returns
the reserved token when it gives up. A zero rate turns the bucket into a
fixed budget: once it is empty Wait fails with ErrNoTokens instead of
blocking forever.
*/
package throttle

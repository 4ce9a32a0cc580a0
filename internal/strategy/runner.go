package strategy

import (
	"context"
	"log"
	"time"

	"shadowsync/internal/shadow"
)

// run executes req against sc, applying policy to Retryable failures. It
// returns only on success, a Skip/Conflict/Fatal outcome (logged here and
// treated as terminal for this request), or ctx cancellation (Interrupted).
// No error ever escapes run() except Fatal, matching spec 4.7's "no error
// type surfaces past strategy.run() except Fatal".
func run(ctx context.Context, logger *log.Logger, policy RetryPolicy, sc *shadow.Context, req shadow.Request) error {
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		err := req.Execute(ctx, sc)
		if err == nil {
			return nil
		}

		switch {
		case shadow.Is(err, shadow.KindFatal):
			logger.Printf("shadow %s: fatal error, stopping strategy: %v", req.Key(), err)
			return err
		case shadow.Is(err, shadow.KindSkip):
			logger.Printf("shadow %s: skipping request after error: %v", req.Key(), err)
			return nil
		case shadow.Is(err, shadow.KindConflict):
			// already absorbed into a requeued FullShadow by the executor.
			return nil
		case shadow.Is(err, shadow.KindInterrupted):
			return nil
		case shadow.Is(err, shadow.KindRetryable):
			if attempt == policy.MaxAttempts {
				logger.Printf("shadow %s: giving up after %d attempts: %v", req.Key(), attempt, err)
				return nil
			}
			delay := policy.Backoff(attempt)
			logger.Printf("shadow %s: retryable error (attempt %d/%d), backing off %s: %v", req.Key(), attempt, policy.MaxAttempts, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
		default:
			logger.Printf("shadow %s: unclassified error, dropping: %v", req.Key(), err)
			return nil
		}
	}
	return nil
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

// WithTimeout gives fn at most timeout to finish. fn runs on its own
// goroutine so a call that ignores its context still returns on time. An
// overrun matches both errors.ErrTimeout and context.DeadlineExceeded; a
// cancelled parent is reported as such. A non-positive timeout calls fn
// directly.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeoutCause(ctx, timeout, apperrors.ErrTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- fn(callCtx) }()

	var err error
	select {
	case err = <-result:
		if err == nil || callCtx.Err() == nil {
			return err
		}
	case <-callCtx.Done():
	}
	if parent := ctx.Err(); parent != nil {
		return fmt.Errorf("%s: %w", name, parent)
	}
	if errors.Is(context.Cause(callCtx), apperrors.ErrTimeout) {
		return fmt.Errorf("%w: %s took longer than %v: %w", apperrors.ErrTimeout, name, timeout, context.DeadlineExceeded)
	}
	return err
}

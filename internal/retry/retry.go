// Package retry runs exchange calls with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
)

// Policy bounds the retries of one exchange call.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts" jsonschema:"title=Max attempts,default=5" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" jsonschema:"title=Initial interval,default=200ms"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" jsonschema:"title=Max interval,default=5s"`
}

// DefaultPolicy is used when the configuration leaves retries unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts run out
// or ctx ends. Only errors carrying errors.ErrCodeTransientNetwork are retried.
// It returns the number of attempts made.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) (int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = 0

	retries := max(policy.MaxAttempts-1, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++

		err := op(ctx)
		if err == nil {
			return nil
		}

		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}, b)

	return attempts, err
}

// Exhausted reports whether err is a transient error that survived every attempt.
func Exhausted(err error) bool {
	return err != nil && errors.IsRetryable(err)
}

package retries

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/aws/smithy-go"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 50 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 100 * time.Millisecond

	maxDelay = 2 * time.Second
)

// Retry runs fn until it succeeds, returns a non-retriable error, the
// attempts are exhausted or ctx is done. The delay doubles after every
// failed attempt and is capped at two seconds.
func Retry(
	ctx context.Context,
	attempts int,
	baseDelay time.Duration,
	fn func() error,
	isRetriable func(error) bool,
) error {
	if attempts < 1 {
		attempts = 1
	}

	delay := baseDelay
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return err
}

var retriableAWSCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
	"SlowDown":                               {},
	"TransactionConflictException":           {},
}

func IsRetriableAWSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := retriableAWSCodes[apiErr.ErrorCode()]
		return ok
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetriableDbError classifies DynamoDB errors.
func IsRetriableDbError(err error) bool {
	return IsRetriableAWSError(err)
}

func IsRetriableRedisError(err error) bool {
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return false
	case errors.Is(err, redis.TxFailedErr):
		// optimistic lock lost, safe to run again
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

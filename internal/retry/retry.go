// Package retry provides the exponential backoff policy that wraps every
// call pgsync makes to Postgres and Elasticsearch.
//
// A Policy is an explicit value passed to the components that need it. The
// "retry forever" behavior of the sync daemon is the zero MaxAttempts
// setting, so tests can cap attempts without changing the production path.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is matched by errors.Is when a Policy gave up after
// MaxAttempts failed attempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError reports the last error seen before giving up.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

// Is makes errors.Is(err, ErrExhausted) true.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Permanent marks err as not worth retrying. Do returns err unwrapped
// without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Policy configures exponential backoff.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Factor is the exponent applied per retry: each delay is the previous
	// one multiplied by 2^Factor. Factor 1 is strict doubling.
	Factor float64

	// Max caps a single delay. Zero means no cap.
	Max time.Duration

	// MaxAttempts bounds the number of attempts. Zero retries forever.
	MaxAttempts int

	// Logger receives one line per failed attempt.
	Logger *log.Logger

	// Timer waits between attempts. Nil uses a real timer.
	Timer backoff.Timer
}

// DefaultPolicy returns the settings the daemon uses when the config file
// has no [backoff] section.
func DefaultPolicy() *Policy {
	return &Policy{
		Initial: 100 * time.Millisecond,
		Factor:  1,
		Max:     10 * time.Second,
		Logger:  log.New(os.Stderr, "[retry] ", log.LstdFlags),
	}
}

// exponential returns the delay curve without jitter or elapsed-time limit.
func (p *Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = math.Pow(2, p.Factor)
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	if p.Max <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	} else if b.InitialInterval > p.Max {
		b.InitialInterval = p.Max
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait that follows failed attempt n (1-based).
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < n && d < b.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do runs op until it succeeds, returns a Permanent error, the context is
// cancelled, or MaxAttempts is reached.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var b backoff.BackOff = p.exponential()
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := op(ctx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		p.logf("%s failed, reconnection attempt #%d, wait time %s: %v", name, attempts, delay, err)
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, p.Timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case p.MaxAttempts > 0 && attempts >= p.MaxAttempts:
		return &ExhaustedError{Op: name, Attempts: attempts, Last: err}
	}
	return err
}

// Value runs op under p and returns its result.
func Value[T any](ctx context.Context, p *Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Policy) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

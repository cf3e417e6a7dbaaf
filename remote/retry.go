package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the attempts a Retrying client makes per call.
type RetryPolicy struct {
	MaxTries        uint          // Attempts including the first (default: 4)
	InitialInterval time.Duration // Wait before the first retry (default: 500ms)
	MaxInterval     time.Duration // Cap on the wait between retries (default: 10s)
}

// DefaultRetryPolicy returns the policy used by the CLI.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Retrying wraps a Client and retries calls that fail with a retryable
// SyncError. Anything else, ErrNotModified included, is returned at once.
type Retrying struct {
	client Client
	policy RetryPolicy
	logger *slog.Logger
}

// RetryOption configures a Retrying client.
type RetryOption func(*Retrying)

// WithRetryLogger sets the logger used for retry notices.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrying) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetrying wraps client. The result is a Deployer when client is.
func NewRetrying(client Client, policy RetryPolicy, opts ...RetryOption) Client {
	def := DefaultRetryPolicy()
	if policy.MaxTries == 0 {
		policy.MaxTries = def.MaxTries
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}

	r := &Retrying{client: client, policy: policy, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	if d, ok := client.(Deployer); ok {
		return &retryingDeployer{Retrying: r, deployer: d}
	}
	return r
}

// Upload implements Client.
func (r *Retrying) Upload(ctx context.Context, blurbs map[string]string) error {
	_, err := retry(ctx, r, "upload", func() (struct{}, error) {
		return struct{}{}, r.client.Upload(ctx, blurbs)
	})
	return err
}

// Download implements Client.
func (r *Retrying) Download(ctx context.Context) (map[string]string, error) {
	return retry(ctx, r, "download", func() (map[string]string, error) {
		return r.client.Download(ctx)
	})
}

// Close closes the wrapped client if it holds a connection.
func (r *Retrying) Close() error {
	if closer, ok := r.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type retryingDeployer struct {
	*Retrying
	deployer Deployer
}

func (r *retryingDeployer) Deploy(ctx context.Context) error {
	_, err := retry(ctx, r.Retrying, "deploy", func() (struct{}, error) {
		return struct{}{}, r.deployer.Deploy(ctx)
	})
	return err
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	result, err := backoff.Retry(ctx, func() (T, error) {
		result, err := fn()
		if err != nil && !IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("retrying remote call", "op", op, "in", next, "error", err)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return result, err
}

// Verify Retrying implements Client and retryingDeployer implements Deployer
var (
	_ Client   = (*Retrying)(nil)
	_ Deployer = (*retryingDeployer)(nil)
)

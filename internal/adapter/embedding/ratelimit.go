package embedding

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"task2vec/internal/metrics"
	"task2vec/internal/port"
)

// RateLimited paces calls to the wrapped embedder and retries transient failures
// with exponential backoff.
type RateLimited struct {
	next       port.Embedder
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// NewRateLimited wraps next. requestsPerMinute <= 0 disables pacing.
func NewRateLimited(next port.Embedder, requestsPerMinute, burst, maxRetries int, logger *slog.Logger) *RateLimited {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimited{
		next:       next,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   30 * time.Second,
		logger:     logger,
	}
}

func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			r.logger.Warn("retrying embedding batch",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			metrics.EmbeddingRetries.WithLabelValues(r.next.ModelName()).Inc()
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		vectors, err := r.next.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *RateLimited) backoff(attempt int) time.Duration {
	d := r.baseDelay << (attempt - 1)
	if d > r.maxDelay || d <= 0 {
		d = r.maxDelay
	}
	return d
}

func (r *RateLimited) Dimension() int {
	return r.next.Dimension()
}

func (r *RateLimited) ModelName() string {
	return r.next.ModelName()
}

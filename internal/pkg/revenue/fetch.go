package revenue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/time/rate"

	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

const (
	// MaxPageSize is the processor's own upper bound for list calls.
	MaxPageSize        = 100
	DefaultMaxAttempts = 4
)

// TransactionSource lists raw transactions page by page.
type TransactionSource interface {
	ListPage(ctx context.Context, start, end time.Time, cursor string, limit int) (Page, error)
}

// TransientError marks a source failure worth retrying (rate limit, network,
// processor 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// FetchResult carries what was collected even when the walk stopped early.
// LastCursor resumes the walk after the last fully processed page.
type FetchResult struct {
	Transactions []RawTransaction
	LastCursor   string
	Pages        int
	Complete     bool
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithPageSize caps the page size at MaxPageSize.
func WithPageSize(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 && n <= MaxPageSize {
			f.pageSize = n
		}
	}
}

// WithMaxAttempts sets how often a single page is tried.
func WithMaxAttempts(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBackOff replaces the retry schedule (tests use ZeroBackOff).
func WithBackOff(factory func() backoff.BackOff) FetcherOption {
	return func(f *Fetcher) { f.newBackOff = factory }
}

// WithLimiter paces page requests.
func WithLimiter(l *rate.Limiter) FetcherOption {
	return func(f *Fetcher) { f.limiter = l }
}

// Fetcher walks a TransactionSource with pacing and bounded retries.
type Fetcher struct {
	source      TransactionSource
	pageSize    int
	maxAttempts int
	newBackOff  func() backoff.BackOff
	limiter     *rate.Limiter
}

// NewFetcher creates a fetcher with a default of ~20 page requests per second.
func NewFetcher(source TransactionSource, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		source:      source,
		pageSize:    MaxPageSize,
		maxAttempts: DefaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchRange collects succeeded transactions created in [start, end), starting
// after resumeCursor when given. When a page cannot be fetched the result so
// far is returned together with an error wrapping ErrPartialResult.
func (f *Fetcher) FetchRange(ctx context.Context, start, end time.Time, resumeCursor string) (*FetchResult, error) {
	res := &FetchResult{LastCursor: resumeCursor}
	cursor := resumeCursor

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("%w: %v", ErrPartialResult, err)
		}

		var page Page
		attempt := 0
		op := func() error {
			attempt++
			p, err := f.source.ListPage(ctx, start, end, cursor, f.pageSize)
			if err != nil {
				if IsTransient(err) {
					metrics.FetchRetries.Inc()
					log.Warnf("[Revenue] Page after %q failed (attempt %d/%d): %v", cursor, attempt, f.maxAttempts, err)
					return err
				}
				return backoff.Permanent(err)
			}
			page = p
			return nil
		}

		b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.maxAttempts-1)), ctx)
		if err := backoff.Retry(op, b); err != nil {
			log.Errorf("[Revenue] Stopping fetch after %d pages, resume cursor %q: %v", res.Pages, res.LastCursor, err)
			return res, fmt.Errorf("%w: %v", ErrPartialResult, err)
		}

		for _, tx := range page.Transactions {
			if tx.Status == StatusSucceeded {
				res.Transactions = append(res.Transactions, tx)
			}
		}
		res.Pages++
		if page.NextCursor != "" {
			res.LastCursor = page.NextCursor
		}
		if !page.HasMore || page.NextCursor == "" {
			res.Complete = true
			return res, nil
		}
		cursor = page.NextCursor
	}
}

package transport

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pithecene-io/refinewatch/types"
)

// DefaultPollInterval is the spacing between status polls.
const DefaultPollInterval = 2 * time.Second

// DefaultMaxPollFailures is the number of consecutive failed polls after
// which the transport gives up.
const DefaultMaxPollFailures = 5

// StatusFetcher fetches the most recent event of a job.
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (types.Event, error)
}

// poller polls job status at a fixed rate.
type poller struct {
	fetcher     StatusFetcher
	jobID       string
	limiter     *rate.Limiter
	maxFailures int
	deliver     func(types.Event) bool
	onAttempt   func(err error)
}

func newPoller(fetcher StatusFetcher, jobID string, interval time.Duration, maxFailures int, deliver func(types.Event) bool) *poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxPollFailures
	}
	return &poller{
		fetcher:     fetcher,
		jobID:       jobID,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		maxFailures: maxFailures,
		deliver:     deliver,
	}
}

// run polls until ctx ends, deliver returns false, or maxFailures
// consecutive polls fail. The last case returns ErrTransportExhausted.
func (p *poller) run(ctx context.Context) error {
	failures := 0
	var lastErr error
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		ev, err := p.fetcher.Status(ctx, p.jobID)
		if p.onAttempt != nil {
			p.onAttempt(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A 4xx answer will not change on retry.
			if IsClientError(err) {
				return newError(ErrorExhausted, "poll", fmt.Errorf("%w: %w", ErrTransportExhausted, err))
			}
			failures++
			lastErr = err
			if failures >= p.maxFailures {
				return newError(ErrorExhausted, "poll",
					fmt.Errorf("%w: %d consecutive poll failures: %w", ErrTransportExhausted, failures, lastErr))
			}
			continue
		}

		failures = 0
		ev.Source = types.SourcePoll
		if !p.deliver(ev) {
			return nil
		}
	}
}

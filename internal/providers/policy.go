// Package providers holds the call policy shared by the mail provider adapters
package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

// Classifier maps a provider SDK error to a mail.Kind
type Classifier func(error) mail.Kind

// Options configures a Policy
type Options struct {
	Name        string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "provider"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Policy applies a per-attempt timeout, bounded retries with capped exponential
// backoff, and a circuit breaker to provider calls
type Policy struct {
	opts     Options
	classify Classifier
	cb       *gobreaker.CircuitBreaker
}

// NewPolicy creates a call policy. classify may be nil
func NewPolicy(opts Options, classify Classifier) *Policy {
	opts.setDefaults()
	logger := opts.Logger

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})

	return &Policy{opts: opts, classify: classify, cb: cb}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the retry
// budget is spent. The returned error always carries a mail.Kind
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := p.opts.BaseBackoff
	for attempt := 0; ; attempt++ {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		kind := p.kindOf(ctx, err)
		if kind != mail.KindTransient || attempt >= p.opts.MaxRetries {
			return mail.E(kind, op, err)
		}

		p.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Debug("transient provider error, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return mail.Fatal(op, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > p.opts.MaxBackoff {
			backoff = p.opts.MaxBackoff
		}
	}
}

// attempt runs one call through the breaker. Only transient failures count
// against the breaker; a 404 says nothing about provider health
func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	var callErr error
	_, err := p.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()

		callErr = fn(cctx)
		if callErr != nil && p.kindOf(ctx, callErr) == mail.KindTransient {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	return callErr
}

func (p *Policy) kindOf(ctx context.Context, err error) mail.Kind {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return mail.KindFatal
	case ctx.Err() != nil:
		// the caller gave up, not the provider
		return mail.KindFatal
	}

	if k := mail.KindOf(err); k != mail.KindUnknown {
		return k
	}
	if p.classify != nil {
		if k := p.classify(err); k != mail.KindUnknown {
			return k
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return mail.KindTransient
	case errors.As(err, &netErr):
		return mail.KindTransient
	}
	return mail.KindUnknown
}

// ClassifyStatus maps an HTTP status from a provider API to a mail.Kind.
// rateLimited marks 403 responses whose reason is quota exhaustion
func ClassifyStatus(code int, rateLimited bool) mail.Kind {
	switch {
	case code == http.StatusUnauthorized:
		return mail.KindFatal
	case code == http.StatusForbidden && rateLimited:
		return mail.KindTransient
	case code == http.StatusForbidden:
		return mail.KindFatal
	case code == http.StatusNotFound, code == http.StatusGone:
		return mail.KindNotFound
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return mail.KindTransient
	case code >= 500:
		return mail.KindTransient
	default:
		return mail.KindUnknown
	}
}

// Package remote sends records to a healthpi server over HTTP.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/robertof/go-healthpi-loader/measurement"
)

var ErrServer = errors.New("failed to communicate with the server")

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 3
	DefaultOpenTimeout = 30 * time.Second
)

type Options struct {
	Timeout    time.Duration
	RetryCount int
	// MaxFailures is the number of consecutive failures after which requests fail fast for
	// OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

type Repository struct {
	url     string
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
}

func New(url string, opts Options) *Repository {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	maxFailures := opts.MaxFailures

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "remote:" + url,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("Breaker", name).
				Stringer("From", from).
				Stringer("To", to).
				Msg("remote: circuit breaker state changed")
		},
	})

	return &Repository{
		url:     url,
		client:  client,
		breaker: breaker,
	}
}

func (r *Repository) do(req func() (*resty.Response, error)) (*resty.Response, error) {
	return r.breaker.Execute(func() (*resty.Response, error) {
		resp, err := req()
		if err != nil {
			return resp, fmt.Errorf("%w: %w", ErrServer, err)
		}

		if resp.IsError() {
			return resp, fmt.Errorf("%w: %s", ErrServer, resp.Status())
		}

		return resp, nil
	})
}

func (r *Repository) StoreRecords(ctx context.Context, records []measurement.Record) error {
	if records == nil {
		records = []measurement.Record{}
	}

	_, err := r.do(func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetBody(records).
			Post(r.url)
	})

	if err != nil {
		return err
	}

	log.Debug().Str("URL", r.url).Int("Records", len(records)).Msg("remote: posted records")

	return nil
}

func (r *Repository) FetchRecords(ctx context.Context, types []measurement.ValueType) ([]measurement.Record, error) {
	var out []measurement.Record

	_, err := r.do(func() (*resty.Response, error) {
		req := r.client.R().
			SetContext(ctx).
			SetResult(&out)

		if len(types) > 0 {
			names := make([]string, len(types))
			for i, t := range types {
				names[i] = t.String()
			}

			req.SetQueryParam("select", strings.Join(names, ","))
		}

		return req.Get(r.url)
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

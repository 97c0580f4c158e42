package api

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// UserAgent is sent with every request
const UserAgent = "ado-sprint-digest"

// Getter is the single capability the client needs from the network
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// TransportOptions configures HTTPGetter
type TransportOptions struct {
	Token        string
	AuthScheme   string // bearer or basic
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
}

// HTTPGetter performs authenticated GETs with bounded retry
type HTTPGetter struct {
	client *resty.Client
	opts   TransportOptions
	log    *zap.Logger
}

// NewHTTPGetter creates a Getter for the Azure DevOps REST API
func NewHTTPGetter(opts TransportOptions, log *zap.Logger) *HTTPGetter {
	var r *resty.Client
	if opts.AuthScheme == "basic" {
		// Personal access tokens go in the password with an empty user
		r = resty.New().SetBasicAuth("", opts.Token)
	} else {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: opts.Token},
		)
		r = resty.NewWithClient(oauth2.NewClient(context.Background(), ts))
	}

	r.SetHeader("Accept", "application/json").
		SetHeader("User-Agent", UserAgent)
	if opts.Timeout > 0 {
		r.SetTimeout(opts.Timeout)
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPGetter{client: r, opts: opts, log: log}
}

// Get fetches url and returns the body of a 2xx response. Network errors,
// 429 and 5xx are retried with exponential backoff; anything else fails at once.
func (g *HTTPGetter) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	op := func() error {
		res, err := g.client.R().SetContext(ctx).Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		if res.IsError() {
			serr := NewStatusError(res.StatusCode(), res.String())
			if serr.Retryable() {
				return serr
			}
			return backoff.Permanent(serr)
		}

		body = res.Body()
		return nil
	}

	notify := func(err error, wait time.Duration) {
		g.log.Debug("Retrying request", zap.String("url", url), zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, g.newBackOff(ctx), notify); err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return body, nil
}

func (g *HTTPGetter) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.opts.InitialDelay > 0 {
		b.InitialInterval = g.opts.InitialDelay
	}
	retries := g.opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

var _ Getter = (*HTTPGetter)(nil)

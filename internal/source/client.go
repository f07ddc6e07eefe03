// Package source fetches restaurant ratings from the Takeaway listing API.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"ratingbot/internal/rating"
	"ratingbot/pkg/logx"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"
	maxBodyBytes     = 32 << 20
)

// Fetcher is what the poller needs from the source.
type Fetcher interface {
	Fetch(ctx context.Context, subject rating.Subject) (rating.Snapshot, error)
}

type Options struct {
	BaseURL    string
	Token      string
	Language   string
	Country    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec int
	// ListingTTL reuses a fetched listing for subjects in the same postal code.
	ListingTTL time.Duration

	BreakerFailures int
	BreakerCooldown time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

type Client struct {
	opt     Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	listings map[string]*Listing
}

func New(opt Options, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 15 * time.Second
	}
	if opt.RatePerSec <= 0 {
		opt.RatePerSec = 2
	}
	if opt.BreakerFailures <= 0 {
		opt.BreakerFailures = 5
	}
	if opt.BreakerCooldown <= 0 {
		opt.BreakerCooldown = time.Minute
	}
	if opt.UserAgent == "" {
		opt.UserAgent = DefaultUserAgent
	}
	if opt.Language == "" {
		opt.Language = "de"
	}
	if opt.Country == "" {
		opt.Country = "de"
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opt.Timeout}
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	log = log.With(logx.String("comp", "source"))

	c := &Client{
		opt:      opt,
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.RatePerSec),
		log:      log,
		now:      now,
		listings: map[string]*Listing{},
	}
	failures := uint32(opt.BreakerFailures)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "rating-source",
		MaxRequests: 1,
		Timeout:     opt.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors other than 429 say nothing about the API's health.
		IsSuccessful: func(err error) bool {
			var se *httpStatusError
			if errors.As(err, &se) {
				return se.code < 500 && se.code != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return c
}

// BreakerState is reported on /status.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Fetch returns the current rating of subject.
func (c *Client) Fetch(ctx context.Context, subject rating.Subject) (rating.Snapshot, error) {
	postal := subject.PostalCode()
	if postal == "" {
		return rating.Snapshot{}, schema(subject, errors.New("subject has no postal code"))
	}
	l, err := c.Listing(ctx, postal)
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) {
			cp := *se
			cp.Subject = subject
			return rating.Snapshot{}, &cp
		}
		return rating.Snapshot{}, err
	}
	return l.Snapshot(subject, c.now())
}

// Listing returns the listing for postal, served from cache while fresh.
// Concurrent callers for the same postal code share one request. The shared
// request is detached from any single caller and bounded by the client
// timeout; each caller stops waiting when its own ctx is done.
func (c *Client) Listing(ctx context.Context, postal string) (*Listing, error) {
	if l := c.cached(postal); l != nil {
		return l, nil
	}
	ch := c.flight.DoChan(postal, func() (any, error) {
		if l := c.cached(postal); l != nil {
			return l, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opt.Timeout)
		defer cancel()
		body, err := c.get(fctx, postal)
		if err != nil {
			return nil, err
		}
		l, err := ParseListing(postal, body, c.now())
		if err != nil {
			return nil, schema("", err)
		}
		if c.opt.ListingTTL > 0 {
			c.mu.Lock()
			c.listings[postal] = l
			c.mu.Unlock()
		}
		c.log.Debug("listing fetched", logx.String("postal_code", postal), logx.Int("restaurants", len(l.Restaurants)))
		return l, nil
	})
	select {
	case <-ctx.Done():
		return nil, unavailable("", 0, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Listing), nil
	}
}

func (c *Client) cached(postal string) *Listing {
	if c.opt.ListingTTL <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.listings[postal]
	if !ok {
		return nil
	}
	if c.now().Sub(l.FetchedAt) >= c.opt.ListingTTL {
		delete(c.listings, postal)
		return nil
	}
	return l
}

// ListingURL builds the listing request URL for postal.
func (c *Client) ListingURL(postal string) string {
	q := url.Values{}
	q.Set("postalCode", postal)
	q.Set("limit", "0")
	q.Set("isAccurate", "true")
	q.Set("filterShowTestRestaurants", "false")
	return strings.TrimRight(c.opt.BaseURL, "/") + "/restaurants?" + q.Encode()
}

func (c *Client) get(ctx context.Context, postal string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, unavailable("", 0, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
	defer cancel()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ListingURL(postal), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip")
		req.Header.Set("X-Language-Code", c.opt.Language)
		req.Header.Set("X-Country-Code", c.opt.Country)
		req.Header.Set("User-Agent", c.opt.UserAgent)
		if c.opt.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opt.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return nil, &httpStatusError{code: resp.StatusCode}
		}
		return readBody(resp)
	})
	if err == nil {
		return body, nil
	}

	var se *httpStatusError
	switch {
	case errors.As(err, &se):
		if se.code == http.StatusUnauthorized || se.code == http.StatusForbidden {
			c.log.Error("rating source rejected credentials",
				logx.String("postal_code", postal), logx.Int("status", se.code), logx.String("reason", statusReason(se.code)))
		}
		return nil, unavailable("", se.code, nil)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, unavailable("", 0, fmt.Errorf("circuit %s: %w", c.breaker.State(), err))
	default:
		return nil, unavailable("", 0, err)
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodyBytes {
		return nil, fmt.Errorf("response larger than %d bytes", maxBodyBytes)
	}
	return b, nil
}

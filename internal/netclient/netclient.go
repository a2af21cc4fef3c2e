// Package netclient implements the engine's network layer: tagged
// requests (manifest|segment|license|app), request/response filters,
// retry with exponential back-off and fuzz, and a per-tag request budget
// enforced by a golang.org/x/time/rate limiter (a limit on how fast
// requests start, not on how many are in flight at once).
package netclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/logging"
	"golang.org/x/time/rate"
)

// RequestType tags a request by purpose.
type RequestType string

const (
	RequestManifest RequestType = "manifest"
	RequestSegment  RequestType = "segment"
	RequestLicense  RequestType = "license"
	RequestApp      RequestType = "app"
)

// Request is the network-layer request envelope passed through filters.
type Request struct {
	Type    RequestType
	Method  string
	URI     string
	Headers http.Header
	Body    []byte
}

// Response is the network-layer response envelope passed through filters.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	URI        string // final URI after redirects
}

type RequestFilter func(*Request) error
type ResponseFilter func(*Response) error

// RetryParameters controls the back-off policy.
type RetryParameters struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	FuzzFactor    float64 // 0..1, randomizes each delay by +/- this fraction
	Timeout       time.Duration
}

func DefaultRetryParameters() RetryParameters {
	return RetryParameters{
		MaxAttempts:   3,
		BaseDelay:     200 * time.Millisecond,
		BackoffFactor: 2,
		FuzzFactor:    0.2,
		Timeout:       10 * time.Second,
	}
}

// Config is the netclient config surface.
type Config struct {
	UserAgent string
	Retry     map[RequestType]RetryParameters
	// Budget is the burst size of each tag's token-bucket limiter, refilled
	// at Rate per second. It limits how fast requests start; it does not cap
	// the number of concurrent in-flight requests.
	Budget map[RequestType]int
	Rate   map[RequestType]float64
}

func DefaultConfig() Config {
	return Config{
		Retry: map[RequestType]RetryParameters{
			RequestManifest: DefaultRetryParameters(),
			RequestSegment:  DefaultRetryParameters(),
			RequestLicense:  DefaultRetryParameters(),
			RequestApp:      DefaultRetryParameters(),
		},
		Budget: map[RequestType]int{
			RequestManifest: 2,
			RequestSegment:  6,
			RequestLicense:  2,
			RequestApp:      2,
		},
		Rate: map[RequestType]float64{
			RequestManifest: 4,
			RequestSegment:  12,
			RequestLicense:  4,
			RequestApp:      4,
		},
	}
}

// Client is the network scheme's entry point.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        logging.Logger

	reqFilters  []RequestFilter
	respFilters []ResponseFilter

	limiters map[RequestType]*rate.Limiter
}

func New(cfg Config, log logging.Logger) *Client {
	if log == nil {
		log = logging.Noop{}
	}
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil // follow redirects
			},
		},
		log:      log,
		limiters: make(map[RequestType]*rate.Limiter),
	}
	for t, budget := range cfg.Budget {
		r := cfg.Rate[t]
		if r <= 0 {
			r = float64(budget)
		}
		c.limiters[t] = rate.NewLimiter(rate.Limit(r), budget)
	}
	return c
}

func (c *Client) AddRequestFilter(f RequestFilter)   { c.reqFilters = append(c.reqFilters, f) }
func (c *Client) AddResponseFilter(f ResponseFilter) { c.respFilters = append(c.respFilters, f) }

// Fetch performs one tagged request with filters, a per-tag rate budget,
// and retry with back-off and fuzz.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	for _, f := range c.reqFilters {
		if err := f(req); err != nil {
			return nil, apperr.New(apperr.Critical, apperr.CategoryNetwork, apperr.CodeRequestFilterError, err, nil)
		}
	}

	if lim, ok := c.limiters[req.Type]; ok {
		if err := lim.Wait(ctx); err != nil {
			return nil, apperr.New(apperr.Recoverable, apperr.CategoryNetwork, apperr.CodeTimeout, err, nil)
		}
	}

	params := c.cfg.Retry[req.Type]
	if params.MaxAttempts == 0 {
		params = DefaultRetryParameters()
	}

	var lastErr error
	delay := params.BaseDelay
	for attempt := 1; attempt <= params.MaxAttempts; attempt++ {
		resp, err := c.doOnce(ctx, req, params.Timeout)
		if err == nil {
			for _, f := range c.respFilters {
				if ferr := f(resp); ferr != nil {
					return nil, apperr.New(apperr.Critical, apperr.CategoryNetwork, apperr.CodeResponseFilterError, ferr, nil)
				}
			}
			return resp, nil
		}
		lastErr = err
		c.log.Warnf("netclient: attempt %d/%d for %s failed: %v", attempt, params.MaxAttempts, req.URI, err)

		// A 4xx is classified permanent (apperr.CodeBadHTTPStatus) by doOnce
		// and is never worth retrying; anything else (transient statuses,
		// transport errors) gets the backoff treatment.
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Code == apperr.CodeBadHTTPStatus {
			break
		}

		if attempt == params.MaxAttempts {
			break
		}
		fuzzed := fuzz(delay, params.FuzzFactor)
		select {
		case <-time.After(fuzzed):
		case <-ctx.Done():
			return nil, apperr.New(apperr.Recoverable, apperr.CategoryNetwork, apperr.CodeTimeout, ctx.Err(), nil)
		}
		delay = time.Duration(float64(delay) * params.BackoffFactor)
	}

	return nil, apperr.New(apperr.Critical, apperr.CategoryNetwork, apperr.CodeHTTPError, lastErr, map[string]any{"uri": req.URI})
}

func (c *Client) doOnce(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(cctx, method, req.URI, body)
	if err != nil {
		return nil, fmt.Errorf("netclient: build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("netclient: do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == http.StatusRequestTimeout {
		return nil, fmt.Errorf("netclient: transient status %d from %s", httpResp.StatusCode, req.URI)
	}
	if httpResp.StatusCode >= 400 {
		return nil, apperr.New(apperr.Critical, apperr.CategoryNetwork, apperr.CodeBadHTTPStatus, fmt.Errorf("status %d", httpResp.StatusCode), map[string]any{"status": httpResp.StatusCode})
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("netclient: read body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		URI:        httpResp.Request.URL.String(),
	}, nil
}

func fuzz(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

package venues

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tidemill/weir/errs"
)

const defaultHTTPTimeout = 10 * time.Second

// RESTClient wraps a venue REST surface behind a circuit breaker so a venue
// outage cannot melt the bootstrap and resync paths into a retry storm.
type RESTClient struct {
	venue   string
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient builds a client for one venue base URL.
func NewRESTClient(venue, baseURL string, timeoutMs int64) *RESTClient {
	timeout := defaultHTTPTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &RESTClient{
		venue: venue,
		base:  baseURL,
		http:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        venue + "-rest",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Get fetches path with the given query and returns the response body.
// Non-2xx statuses count as breaker failures.
func (c *RESTClient) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, errs.New(c.venue, errs.CodeTransport, errs.WithMessage("rest status "+resp.Status))
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, errs.New(c.venue, errs.CodeTransport, errs.WithMessage("rest get "+path), errs.WithCause(err))
	}
	return body.([]byte), nil
}

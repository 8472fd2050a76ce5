package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient wraps http.Client with retries on transport errors and 5xx responses.
type HTTPClient struct {
	Client      *http.Client
	Retries     int
	Delay       time.Duration // fixed delay between attempts; zero means exponential backoff
	Timeout     time.Duration
	Credentials Credentials
	Logger      zerolog.Logger

	sleep func(time.Duration)
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Timeout: timeout,
		Logger:  zerolog.Nop(),
		sleep:   time.Sleep,
	}
}

// WithDelay sets a fixed delay between attempts.
func (c *HTTPClient) WithDelay(d time.Duration) *HTTPClient {
	c.Delay = d
	return c
}

// WithLogger sets the logger used for retry warnings.
func (c *HTTPClient) WithLogger(logger zerolog.Logger) *HTTPClient {
	c.Logger = logger
	return c
}

// WithCredentials attaches credentials to every request.
func (c *HTTPClient) WithCredentials(creds Credentials) *HTTPClient {
	c.Credentials = creds
	return c
}

// WithInsecureTLS skips server certificate verification when skip is set.
func (c *HTTPClient) WithInsecureTLS(skip bool) *HTTPClient {
	if !skip {
		return c
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	c.Client.Transport = tr
	return c
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	if c.Delay > 0 {
		return c.Delay
	}
	return time.Duration(1<<attempt) * 200 * time.Millisecond
}

// Do sends a request built from method/url/body, retrying up to c.Retries times.
// The last response is returned even if it is a 5xx.
func (c *HTTPClient) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var resp *http.Response
	var err error

	for i := 0; i <= c.Retries; i++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, rErr := http.NewRequestWithContext(ctx, method, url, rd)
		if rErr != nil {
			return nil, rErr
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		c.Credentials.Apply(req)

		resp, err = c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			// 4xx is the caller's problem, do not retry
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}

		if i < c.Retries {
			if resp != nil {
				resp.Body.Close()
			}
			c.Logger.Warn().Err(err).Str("url", url).Int("attempt", i+1).Msg("HTTP request failed, retrying")
			sleep := c.sleep
			if sleep == nil {
				sleep = time.Sleep
			}
			sleep(c.backoff(i))
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, err)
	}
	return resp, nil
}

// PostJSON posts a JSON body.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, http.Header{"Content-Type": []string{"application/json"}})
}

// Fetch downloads url and returns the full body. Non-2xx statuses are errors.
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", url, err)
	}
	return data, nil
}

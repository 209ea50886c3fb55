// Package flowr is a client for the FloWr web service. Every operation is a
// single form-encoded POST authenticated with an API token and email; the
// "c" field names the command.
package flowr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint          = "http://ccg.doc.gold.ac.uk/research/flowr/flowrweb/"
	defaultTimeout           = 2 * time.Minute
	maxHTTPErrorBodyReadSize = 64 * 1024
	maxResponseBodySize      = 32 * 1024 * 1024
)

// Raw text answers of the service.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultSaved = "saved"
)

type Config struct {
	Endpoint string
	Token    string
	Email    string
	Timeout  time.Duration
	// RequestsPerSecond throttles outgoing calls; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	Logger            *log.Logger
	Client            *http.Client
}

type Client struct {
	endpoint string
	token    string
	email    string
	limiter  *rate.Limiter
	logger   *log.Logger
	client   *http.Client
	maxBody  int64
}

func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid flowr endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
		}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.Token),
		email:    strings.TrimSpace(cfg.Email),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   cfg.Logger,
		client:   client,
		maxBody:  maxResponseBodySize,
	}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// post sends one command and returns the response body. Transport failures
// and non-2xx answers become *RemoteServiceError.
func (c *Client) post(ctx context.Context, command string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &RemoteServiceError{Command: command, Err: err}
	}

	form := url.Values{}
	for k, vs := range params {
		form[k] = vs
	}
	form.Set("api_token", c.token)
	form.Set("api_email", c.email)
	form.Set("c", command)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", command, err)
	}
	req.Header.Set("Accept-Charset", "UTF-8")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &RemoteServiceError{Command: command, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return nil, &RemoteServiceError{Command: command, StatusCode: resp.StatusCode, Err: readErr}
		}
		return nil, &RemoteServiceError{
			Command:    command,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &RemoteServiceError{Command: command, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &RemoteServiceError{
			Command:    command,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody),
		}
	}
	c.logger.Printf("flowr command=%s status=%d bytes=%d elapsed=%s", command, resp.StatusCode, len(body), time.Since(start))
	return body, nil
}

// text is for commands whose contract is a bare string.
func (c *Client) text(ctx context.Context, command string, params url.Values) (string, error) {
	body, err := c.post(ctx, command, params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) decode(ctx context.Context, command string, params url.Values, out any) error {
	body, err := c.post(ctx, command, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedResponseError{Command: command, Body: trim(string(body), 400), Err: err}
	}
	return nil
}

func values(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

func trim(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

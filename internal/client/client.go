// Package client talks to the check API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"prime-checker/internal/models"
)

// FetchError is a transient failure: the server could not be reached or
// answered with a status worth retrying.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// APIError is a non-transient error answer the client has no sentinel for.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Client is a thin JSON client for the check API.
type Client struct {
	base string
	http *http.Client
}

// New builds a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// NewWithHTTPClient builds a client around an existing *http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit asks the server to check number.
func (c *Client) Submit(ctx context.Context, number string) (models.Check, error) {
	body, err := json.Marshal(map[string]string{"number": number})
	if err != nil {
		return models.Check{}, err
	}
	var out models.Check
	err = c.do(ctx, "submit", http.MethodPost, "/checks", bytes.NewReader(body), http.StatusCreated, &out)
	return out, err
}

// Get fetches one check.
func (c *Client) Get(ctx context.Context, id string) (models.Check, error) {
	if strings.TrimSpace(id) == "" {
		return models.Check{}, models.ErrNotFound
	}
	var out models.Check
	err := c.do(ctx, "get", http.MethodGet, "/checks/"+url.PathEscape(id), nil, http.StatusOK, &out)
	return out, err
}

// List fetches every check, newest first.
func (c *Client) List(ctx context.Context) ([]models.Check, error) {
	var out struct {
		Items []models.Check `json:"items"`
	}
	if err := c.do(ctx, "list", http.MethodGet, "/checks", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == want {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &FetchError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
	return statusError(op, resp)
}

func statusError(op string, resp *http.Response) error {
	var env struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrValidation, env.Message)
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &FetchError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	default:
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message, RequestID: env.RequestID}
	}
}

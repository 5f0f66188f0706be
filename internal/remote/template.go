package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"proctorhub/pkg/types"
)

// Request describes one outbound call relative to the template's base URL
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// JSON is encoded as the request body when set
	JSON interface{}
	// Form is sent as application/x-www-form-urlencoded when set and JSON is nil
	Form url.Values
}

// Response is a completed exchange with a 2xx or 4xx status
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NotFound reports a 404 status
func (r *Response) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return ErrNoContent
	}
	return json.Unmarshal(r.Body, v)
}

// Template performs calls against one provider base URL with one circuit
// breaker and an optional bearer token source
// ARCHITECTURAL DISCOVERY: 4xx responses come back as values so callers can
// branch on them, only 5xx and transport failures count against the breaker
type Template struct {
	service string
	baseURL *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	config  Config

	tokens   *TokenCache
	tokenKey string
	source   func() oauth2.TokenSource
}

// TemplateOption customizes a template
type TemplateOption func(*Template)

// WithTokenSource authenticates calls with bearer tokens from the shared cache.
// key identifies the credentials, newSource builds the uncached source.
func WithTokenSource(cache *TokenCache, key string, newSource func() oauth2.TokenSource) TemplateOption {
	return func(t *Template) {
		t.tokens = cache
		t.tokenKey = key
		t.source = newSource
	}
}

// WithHTTPClient replaces the default client
func WithHTTPClient(client *http.Client) TemplateOption {
	return func(t *Template) {
		t.client = client
	}
}

// NewTemplate builds a template for service at baseURL
func NewTemplate(service, baseURL string, config Config, opts ...TemplateOption) (*Template, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	t := &Template{
		service: service,
		baseURL: u,
		client:  http.DefaultClient,
		config:  config,
	}
	for _, opt := range opts {
		opt(t)
	}

	threshold := config.FailureThreshold
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service + "@" + u.Host,
		MaxRequests: 1,
		Timeout:     config.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Circuit breaker state change: breaker=%s from=%s to=%s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return t, nil
}

// BaseURL returns the normalized base URL without trailing slash
func (t *Template) BaseURL() string {
	return t.baseURL.String()
}

// Exchange performs one call through the circuit breaker.
// Returns the response for 2xx/4xx, or a *types.ServiceUnavailableError
// (with the response when one was received) for 5xx, transport failures,
// timeouts and open breakers.
func (t *Template) Exchange(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	_, err := t.breaker.Execute(func() (interface{}, error) {
		var err error
		resp, err = t.do(ctx, req)
		return nil, err
	})
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &types.ServiceUnavailableError{Service: t.service, Err: err}
	}
	var su *types.ServiceUnavailableError
	if errors.As(err, &su) {
		return resp, err
	}
	return resp, &types.ServiceUnavailableError{Service: t.service, Err: err}
}

func (t *Template) do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if t.tokens != nil {
		token, err := t.tokens.Token(t.tokenKey, t.source)
		if err != nil {
			return t.tokenFailure(err)
		}
		token.SetAuthHeader(httpReq)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}

	if httpResp.StatusCode == http.StatusUnauthorized && t.tokens != nil {
		t.tokens.Invalidate(t.tokenKey)
	}
	if httpResp.StatusCode >= 500 {
		return resp, &types.ServiceUnavailableError{Service: t.service, StatusCode: httpResp.StatusCode}
	}
	return resp, nil
}

// tokenFailure maps a rejected grant to a 4xx response so callers treat bad
// credentials like any other access denial; other failures count as outages
func (t *Template) tokenFailure(err error) (*Response, error) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		t.tokens.Invalidate(t.tokenKey)
		return &Response{StatusCode: re.Response.StatusCode, Body: re.Body}, nil
	}
	return nil, fmt.Errorf("token acquisition: %w", err)
}

func (t *Template) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := *t.baseURL
	u.Path = t.baseURL.Path + "/" + strings.TrimLeft(req.Path, "/")
	if req.Query != nil {
		u.RawQuery = req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

// Package backend is the REST client for the ERP backend that owns customer
// ledgers, currency masters, receipts and invoices.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/infrastructure/config"
	"github.com/erp/arbook/internal/infrastructure/logger"
	"github.com/erp/arbook/internal/infrastructure/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxResponseBytes = 16 << 20

// errNotFound marks a 404 so lookups can return nil, nil
var errNotFound = errors.New("backend: not found")

// envelope is the backend response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client calls the ERP backend. Reads retry with exponential backoff; posting a
// verification is sent once.
type Client struct {
	baseURL         *url.URL
	token           string
	httpClient      *http.Client
	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a backend client from configuration
func NewClient(cfg config.BackendConfig, log *zap.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		baseURL: base,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
		logger:          log.Named("backend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) retryPolicy(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.initialInterval > 0 {
		b.InitialInterval = c.initialInterval
	}
	if c.maxInterval > 0 {
		b.MaxInterval = c.maxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)
}

// get fetches path and decodes the envelope data into out
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out, c.maxRetries)
}

// send writes body with method. Idempotent writes may be retried.
func (c *Client) send(ctx context.Context, method, path string, body any, retries int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: encode %s: %w", path, err)
	}
	return c.do(ctx, method, path, nil, payload, nil, retries)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, out any, retries int) error {
	ctx, span := telemetry.StartClientSpan(ctx, "backend "+method+" "+path,
		telemetry.WithAttribute(telemetry.SpanAttrBackendRequest, path))
	defer span.End()

	target := c.endpoint(path, query)
	attempt := 0
	operation := func() error {
		attempt++
		data, err := c.roundTrip(ctx, method, target, payload)
		if err != nil {
			return err
		}
		if out == nil || len(data) == 0 || string(data) == "null" {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("backend: decode %s: %w", path, err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WithLogger(ctx, c.logger).Warn("Backend request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, c.retryPolicy(ctx, retries), notify)
	telemetry.SetAttributes(span, "attempts", attempt)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			telemetry.RecordError(span, err)
		}
		return err
	}
	telemetry.SetOK(span)
	return nil
}

// roundTrip performs one request. Client errors are permanent; transport
// failures and server errors may be retried.
func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("backend: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if requestID := logger.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if userID := logger.GetUserID(ctx); userID != "" {
		req.Header.Set("X-Acting-User", userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(unavailable(err))
		}
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, unavailable(err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(errNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, unavailable(fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, backoff.Permanent(rejected(resp.StatusCode, env))
	}

	if decodeErr != nil {
		return nil, backoff.Permanent(unavailable(fmt.Errorf("malformed response: %w", decodeErr)))
	}
	if env.Error != nil && !env.Success {
		return nil, backoff.Permanent(rejected(http.StatusUnprocessableEntity, env))
	}
	return env.Data, nil
}

func unavailable(err error) error {
	return shared.NewDomainError(shared.CodeDataUnavailable, "ERP backend unavailable: "+err.Error())
}

// rejected maps a backend client error onto the domain error taxonomy
func rejected(status int, env envelope) error {
	code, message := "", fmt.Sprintf("ERP backend rejected the request (HTTP %d)", status)
	if env.Error != nil {
		code = strings.ToUpper(env.Error.Code)
		if env.Error.Message != "" {
			message = env.Error.Message
		}
	}
	switch code {
	case shared.CodeValidation, shared.CodeInvalidInput, shared.CodeInvalidState,
		shared.CodeAlreadyPosted, shared.CodeNotFound, shared.CodeForbidden:
		return shared.NewDomainError(code, message)
	}
	switch status {
	case http.StatusBadRequest:
		return shared.NewDomainError(shared.CodeInvalidInput, message)
	case http.StatusConflict:
		return shared.NewDomainError(shared.CodeAlreadyPosted, message)
	case http.StatusUnprocessableEntity:
		return shared.NewDomainError(shared.CodeInvalidState, message)
	default:
		return shared.NewDomainError(shared.CodeDataUnavailable, message)
	}
}

package remotecart

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

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var (
	ErrValidation  = errors.New("cart request rejected")
	ErrUnavailable = errors.New("cart service unavailable")
)

// APIError is a non-2xx answer from the cart service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cart service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("cart service returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrLineNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return nil
}

// TokenSource returns the bearer token for the current user. An empty token
// sends the request unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

type Config struct {
	BaseURL string
	Timeout time.Duration
	Token   TokenSource
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

type AddLineRequest struct {
	Email         string       `json:"email"`
	ProductID     string       `json:"productId"`
	Title         string       `json:"title"`
	Price         domain.Price `json:"price"`
	Currency      string       `json:"currency,omitempty"`
	ImageURL      string       `json:"imageUrl,omitempty"`
	Quantity      int          `json:"quantity"`
	SelectedColor *string      `json:"selectedColor,omitempty"`
	SelectedSize  *string      `json:"selectedSize,omitempty"`
}

type UpdateQuantityRequest struct {
	ID            string  `json:"id"`
	Quantity      int     `json:"quantity"`
	SelectedColor *string `json:"selectedColor,omitempty"`
	SelectedSize  *string `json:"selectedSize,omitempty"`
}

type removeLineRequest struct {
	ID string `json:"id"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type response struct {
	status int
	body   []byte
}

// Client talks to the cart persistence API. Calls go through a circuit
// breaker that only counts transport failures and 5xx answers.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	breaker *gobreaker.CircuitBreaker[response]
	logger  *zap.Logger
}

func NewClient(cfg Config) *Client {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   timeout,
		},
		token:  cfg.Token,
		logger: log,
	}
	c.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "cart-service",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

func (c *Client) GetCart(ctx context.Context, email string) ([]domain.CartLine, error) {
	q := url.Values{"email": []string{email}}
	var lines []domain.CartLine
	if err := c.do(ctx, http.MethodGet, "/cart?"+q.Encode(), nil, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (c *Client) AddLine(ctx context.Context, req AddLineRequest) (domain.CartLine, error) {
	var line domain.CartLine
	err := c.do(ctx, http.MethodPost, "/cart", req, &line)
	return line, err
}

func (c *Client) UpdateQuantity(ctx context.Context, req UpdateQuantityRequest) (domain.CartLine, error) {
	var line domain.CartLine
	err := c.do(ctx, http.MethodPut, "/cart", req, &line)
	return line, err
}

func (c *Client) RemoveLine(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/cart", removeLineRequest{ID: id}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	resp, err := c.breaker.Execute(func() (response, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return err
	}

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return response{}, fmt.Errorf("get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return response{}, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		}
		c.logger.Debug("cart request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", res.StatusCode))
		return response{}, apiErr
	}
	return response{status: res.StatusCode, body: data}, nil
}

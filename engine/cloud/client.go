package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnauthorized marks a gateway token the cloud backend rejected.
var ErrUnauthorized = errors.New("gateway token rejected by cloud backend")

const (
	defaultVerifyTimeout  = 5 * time.Second
	defaultConfigsTimeout = 30 * time.Second
)

// Options configure the cloud backend client. BaseURL is required;
// ServiceToken authorizes config pulls and may be empty for clients
// that only verify tokens.
type Options struct {
	BaseURL        string
	ServiceToken   string
	VerifyTimeout  time.Duration
	ConfigsTimeout time.Duration
}

// Client is an HTTP client for the cloud backend. Safe for concurrent
// use.
type Client struct {
	http           *resty.Client
	serviceToken   string
	verifyTimeout  time.Duration
	configsTimeout time.Duration
}

// NewClient validates the options and builds a client.
func NewClient(opts *Options) (*Client, error) {
	if opts == nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("cloud backend base URL is required")
	}
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid cloud backend URL %q", opts.BaseURL)
	}
	verifyTimeout := opts.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = defaultVerifyTimeout
	}
	configsTimeout := opts.ConfigsTimeout
	if configsTimeout <= 0 {
		configsTimeout = defaultConfigsTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Accept", "application/json")

	return &Client{
		http:           httpClient,
		serviceToken:   opts.ServiceToken,
		verifyTimeout:  verifyTimeout,
		configsTimeout: configsTimeout,
	}, nil
}

// VerifyToken resolves a gateway token against the cloud backend. A 401
// maps to ErrUnauthorized; transport and server failures come back as
// plain errors so callers can tell "rejected" from "unreachable".
func (c *Client) VerifyToken(ctx context.Context, token string) (*VerifyResult, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	var envelope verifyEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token", token).
		SetResult(&envelope).
		Post("/auth/verify-token")
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.IsError() {
		return nil, fmt.Errorf("verify token: unexpected status %d", resp.StatusCode())
	}
	if envelope.Data.UserID == "" {
		return nil, fmt.Errorf("verify token: response carried no user id")
	}
	return &envelope.Data, nil
}

// FetchConfigs pulls one page of tenant records. since narrows the pull
// to records updated after the given watermark; cursor continues
// pagination within one snapshot. Both may be empty.
func (c *Client) FetchConfigs(ctx context.Context, since string, cursor string) (*ConfigsPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.configsTimeout)
	defer cancel()

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.serviceToken).
		SetResult(&ConfigsPage{})
	if since != "" {
		req.SetQueryParam("since", since)
	}
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get("/gateway/configs")
	if err != nil {
		return nil, fmt.Errorf("fetch configs: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("fetch configs: service token rejected")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch configs: unexpected status %d", resp.StatusCode())
	}
	page, ok := resp.Result().(*ConfigsPage)
	if !ok || page == nil {
		return nil, fmt.Errorf("fetch configs: malformed response body")
	}
	return page, nil
}

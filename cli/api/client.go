// Package api is the HTTP client for the gateway admin surface used by
// the tenants and sync command groups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/openclaw/gateway/pkg/config"
)

const defaultTimeout = 30 * time.Second

// Options configure the admin API client.
type Options struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
}

// OptionsFromConfig derives the admin endpoint and credentials from the
// global config. The gateway binds 0.0.0.0 by default, so wildcard
// hosts dial loopback.
func OptionsFromConfig(cfg *config.Config) (*Options, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "https"
	if host == "127.0.0.1" || host == "localhost" || host == "::1" {
		scheme = "http"
	}
	token := cfg.MultiTenant.ServiceToken.Value()
	if token == "" {
		return nil, fmt.Errorf("service token is required (set multiTenant.serviceToken or %s)", config.EnvServiceToken)
	}
	return &Options{
		BaseURL:      fmt.Sprintf("%s://%s/api/v0", scheme, net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))),
		ServiceToken: token,
	}, nil
}

// TenantSummary is one row of the tenant listing.
type TenantSummary struct {
	UserID          string     `json:"user_id"`
	Cached          bool       `json:"cached"`
	Status          string     `json:"status,omitempty"`
	PendingRequests int        `json:"pending_requests,omitempty"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
}

// TenantList is the tenant listing response.
type TenantList struct {
	Tenants []TenantSummary `json:"tenants"`
	Total   int             `json:"total"`
}

// TenantDetail is a full tenant snapshot. Config stays raw: the gateway
// treats it as opaque and so does the client.
type TenantDetail struct {
	UserID          string          `json:"user_id"`
	Status          string          `json:"status"`
	Config          json.RawMessage `json:"config"`
	WorkspacePath   string          `json:"workspace_path"`
	ConfigPath      string          `json:"config_path"`
	AgentDir        string          `json:"agent_dir"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	PendingRequests int             `json:"pending_requests"`
}

// SyncResult mirrors the synchronizer's pass outcome.
type SyncResult struct {
	Success      bool   `json:"success"`
	UsersUpdated int    `json:"users_updated"`
	Error        string `json:"error,omitempty"`
}

// APIError is a decoded problem response from the gateway.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Detail, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("gateway API error (status %d)", e.StatusCode)
}

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a running gateway's admin API.
type Client struct {
	http *resty.Client
}

// NewClient builds the admin client. The service token authorizes every
// request.
func NewClient(opts *Options) (*Client, error) {
	if opts == nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("admin API base URL is required")
	}
	if opts.ServiceToken == "" {
		return nil, fmt.Errorf("service token is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetAuthToken(opts.ServiceToken).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	// Mutating calls are never replayed; a retried eviction or sync pass
	// would not be the command the operator issued.
	httpClient.AddRetryCondition(func(r *resty.Response, err error) bool {
		if r != nil && r.Request != nil && r.Request.Method != http.MethodGet {
			return false
		}
		if err != nil {
			return true
		}
		return r != nil && r.StatusCode() >= http.StatusInternalServerError
	})
	return &Client{http: httpClient}, nil
}

// ListTenants returns every known tenant, on disk or cached.
func (c *Client) ListTenants(ctx context.Context) (*TenantList, error) {
	var envelope struct {
		Data TenantList `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		Get("/tenants")
	if err != nil {
		return nil, transformTransportError(err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return &envelope.Data, nil
}

// GetTenant returns the full snapshot for one tenant.
func (c *Client) GetTenant(ctx context.Context, userID string) (*TenantDetail, error) {
	var envelope struct {
		Data TenantDetail `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		Get(fmt.Sprintf("/tenants/%s", userID))
	if err != nil {
		return nil, transformTransportError(err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return &envelope.Data, nil
}

// Stats returns the raw stats document ({manager, sync, monitor}).
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/stats")
	if err != nil {
		return nil, transformTransportError(err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	data := gjson.GetBytes(resp.Body(), "data")
	if !data.Exists() {
		return nil, fmt.Errorf("malformed stats response: missing data envelope")
	}
	return json.RawMessage(data.Raw), nil
}

// SyncStatus returns just the synchronizer block of the stats document.
func (c *Client) SyncStatus(ctx context.Context) (json.RawMessage, error) {
	stats, err := c.Stats(ctx)
	if err != nil {
		return nil, err
	}
	syncBlock := gjson.GetBytes(stats, "sync")
	if !syncBlock.Exists() {
		return nil, fmt.Errorf("gateway is running without config synchronization")
	}
	return json.RawMessage(syncBlock.Raw), nil
}

// SyncNow triggers one synchronization pass and waits for its result.
func (c *Client) SyncNow(ctx context.Context) (*SyncResult, error) {
	var envelope struct {
		Data SyncResult `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		Post("/sync")
	if err != nil {
		return nil, transformTransportError(err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return &envelope.Data, nil
}

func transformTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timed out: the gateway may be busy")
	}
	return fmt.Errorf("unable to reach the gateway: %w", err)
}

// decodeAPIError turns a problem+json body into an APIError, falling
// back to the bare status when the body is not parseable.
func decodeAPIError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	body := resp.Body()
	if len(body) > 0 && gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		apiErr.Code = parsed.Get("code").String()
		apiErr.Detail = parsed.Get("detail").String()
	}
	if apiErr.StatusCode == http.StatusUnauthorized && apiErr.Detail == "" {
		apiErr.Detail = "service token rejected; check multiTenant.serviceToken"
	}
	return apiErr
}

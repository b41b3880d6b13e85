// Package backend is the device's view of the shared backend: the wire types
// for each endpoint and an HTTP client that classifies every failure into the
// syncerr taxonomy.
//
// Status mapping:
//
//	2xx          success
//	404          ErrDeviceNotFound
//	403          syncerr.ErrNotAuthorized
//	409          *syncerr.DuplicateError carrying existing_max
//	other 4xx    syncerr.ErrRejected
//	5xx, 429     syncerr.ErrNetworkUnavailable
//	transport    syncerr.ErrNetworkUnavailable
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/syncerr"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 64 << 10

	// RequestIDHeader carries a per-request UUID for server-side log
	// correlation.
	RequestIDHeader = "X-Request-Id"
)

// Client talks to the backend over HTTP/JSON.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	userAgent  string
	adminToken string
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithAdminToken sets the bearer token sent on admin calls.
func WithAdminToken(token string) ClientOption {
	return func(c *Client) { c.adminToken = token }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse backend url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:   u,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: "fieldsync",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ API = (*Client)(nil)

// RegisterDevice registers the fingerprint. Registering a known device is a
// no-op on the backend.
func (c *Client) RegisterDevice(ctx context.Context, fingerprint string, info DeviceInfo) error {
	req := RegisterRequest{Fingerprint: fingerprint, Device: info}
	var resp RegisterResponse
	return c.do(ctx, "register device", http.MethodPost, "/api/v1/devices", req, &resp)
}

// DeviceStatus fetches the device's authorization status.
func (c *Client) DeviceStatus(ctx context.Context, fingerprint string) (DeviceStatus, error) {
	var status DeviceStatus
	err := c.do(ctx, "get device status", http.MethodGet, devicePath(fingerprint, "status"), nil, &status)
	if err != nil {
		return DeviceStatus{}, err
	}
	return status, nil
}

// LeaseBatch asks for a new range of sequence numbers.
func (c *Client) LeaseBatch(ctx context.Context, fingerprint string, size int64) (Lease, error) {
	var lease Lease
	err := c.do(ctx, "lease batch", http.MethodPost, devicePath(fingerprint, "leases"), LeaseRequest{Size: size}, &lease)
	if err != nil {
		return Lease{}, err
	}
	if lease.End < lease.Start {
		return Lease{}, syncerr.New(syncerr.CodeRejected, "lease batch",
			fmt.Sprintf("backend returned inverted lease [%d,%d)", lease.Start, lease.End))
	}
	return lease, nil
}

// CreateTransaction submits one captured transaction. A 409 answer is
// returned as *syncerr.DuplicateError.
func (c *Client) CreateTransaction(ctx context.Context, tx Transaction) error {
	err := c.do(ctx, "create transaction", http.MethodPost, "/api/v1/transactions", tx, nil)
	if de, ok := syncerr.AsDuplicate(err); ok {
		de.Reference = tx.ReferenceNo
		return de
	}
	return err
}

// UpdateDevice sends a best-effort field update.
func (c *Client) UpdateDevice(ctx context.Context, fingerprint string, fields map[string]any) error {
	return c.do(ctx, "update device", http.MethodPatch, devicePath(fingerprint, ""), UpdateRequest{Fields: fields}, nil)
}

// Approve marks the device approved and assigns its reference prefix.
// Admin only.
func (c *Client) Approve(ctx context.Context, fingerprint string, req ApproveRequest) (DeviceStatus, error) {
	var status DeviceStatus
	err := c.do(ctx, "approve device", http.MethodPost, devicePath(fingerprint, "approve"), req, &status)
	if err != nil {
		return DeviceStatus{}, err
	}
	return status, nil
}

// Reject marks the device rejected. Admin only.
func (c *Client) Reject(ctx context.Context, fingerprint string) (DeviceStatus, error) {
	var status DeviceStatus
	err := c.do(ctx, "reject device", http.MethodPost, devicePath(fingerprint, "reject"), struct{}{}, &status)
	if err != nil {
		return DeviceStatus{}, err
	}
	return status, nil
}

// Health probes the backend's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/healthz", nil, nil)
}

func devicePath(fingerprint, sub string) string {
	p := "/api/v1/devices/" + url.PathEscape(fingerprint)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return syncerr.Network(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// A truncated body on a 2xx is as ambiguous as a dropped connection.
			return syncerr.Network(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classify(op, resp.StatusCode, data)
}

// classify maps a non-2xx answer onto the error taxonomy.
func classify(op string, status int, body []byte) error {
	var er ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("%d %s", status, msg)

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", op, msg, ErrDeviceNotFound)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return syncerr.New(syncerr.CodeNotAuthorized, op, msg)
	case status == http.StatusConflict:
		return &syncerr.DuplicateError{ExistingMax: er.ExistingMax}
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.New(syncerr.CodeNetworkUnavailable, op, msg)
	default:
		return syncerr.New(syncerr.CodeRejected, op, msg)
	}
}

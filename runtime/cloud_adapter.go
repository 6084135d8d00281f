package runtime

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

	dr "github.com/xmidt-org/talaria/devicerelay"
)

// CloudAdapter talks to the device-management REST API: device listing,
// resource reads/writes and subscription registration. It does not deliver
// change notifications itself; pair it with a NotificationChannel or wrap it
// in a PollingClient.
type CloudAdapter struct {
	client  *http.Client
	baseURL string // e.g. https://api.us-east-1.mbedcloud.com
	auth    dr.AuthStrategy
}

// CloudOptions configures a new adapter.
type CloudOptions struct {
	BaseURL        string
	Client         *http.Client
	Auth           dr.AuthStrategy
	RequestTimeout time.Duration
}

// NewCloudAdapter builds a CloudAdapter.
func NewCloudAdapter(o CloudOptions) (*CloudAdapter, error) {
	if o.BaseURL == "" {
		return nil, errors.New("BaseURL required")
	}
	c := o.Client
	if c == nil {
		c = &http.Client{Timeout: func() time.Duration {
			if o.RequestTimeout > 0 {
				return o.RequestTimeout
			}
			return 15 * time.Second
		}()}
	}
	return &CloudAdapter{client: c, baseURL: strings.TrimRight(o.BaseURL, "/"), auth: o.Auth}, nil
}

// BaseURL returns the API root without trailing slash.
func (a *CloudAdapter) BaseURL() string { return a.baseURL }

// ListDevices returns the devices currently registered with the cloud.
func (a *CloudAdapter) ListDevices(ctx context.Context) ([]dr.Device, error) {
	q := url.Values{}
	q.Set("filter", "state=registered")
	body, err := a.do(ctx, http.MethodGet, "/v3/devices?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected devices format: %w", err)
	}
	devices := make([]dr.Device, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.ID == "" {
			continue
		}
		devices = append(devices, dr.Device{ID: dr.DeviceID(d.ID), State: d.State})
	}
	return devices, nil
}

// GetResourceValue reads the raw value of a resource.
func (a *CloudAdapter) GetResourceValue(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) ([]byte, error) {
	return a.do(ctx, http.MethodGet, endpointPath("/v2/endpoints", id, path), nil)
}

// SetResourceValue writes value with PUT. An empty value executes the
// resource with POST instead.
func (a *CloudAdapter) SetResourceValue(ctx context.Context, id dr.DeviceID, path dr.ResourcePath, value []byte) error {
	method := http.MethodPut
	if len(value) == 0 {
		method = http.MethodPost
	}
	_, err := a.do(ctx, method, endpointPath("/v2/endpoints", id, path), value)
	return err
}

// Register asks the cloud to start sending notifications for the resource.
func (a *CloudAdapter) Register(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) error {
	_, err := a.do(ctx, http.MethodPut, endpointPath("/v2/subscriptions", id, path), nil)
	return err
}

// Unsubscribe removes the cloud side subscription for the resource.
func (a *CloudAdapter) Unsubscribe(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) error {
	_, err := a.do(ctx, http.MethodDelete, endpointPath("/v2/subscriptions", id, path), nil)
	return err
}

// RegisterWebsocketChannel declares the websocket notification channel. The
// cloud refuses websocket-connect until this succeeded once.
func (a *CloudAdapter) RegisterWebsocketChannel(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodPut, "/v2/notification/websocket", nil)
	return err
}

func endpointPath(prefix string, id dr.DeviceID, path dr.ResourcePath) string {
	return fmt.Sprintf("%s/%s%s", prefix, url.PathEscape(string(id)), path)
}

func (a *CloudAdapter) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	if a.auth != nil {
		if h, err := a.auth.AuthorizationValue(); err == nil && h != "" {
			req.Header.Set("Authorization", h)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, dr.Classify(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dr.Classify(err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return b, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, dr.ErrUnknownDevice
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w", dr.ErrRemoteUnavailable, dr.ErrAccessDenied)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", dr.ErrInvalidParameter, strings.TrimSpace(string(b)))
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", dr.ErrRemoteUnavailable, resp.StatusCode)
	}
}

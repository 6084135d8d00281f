package runtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dr "github.com/xmidt-org/talaria/devicerelay"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *CloudAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ad, err := NewCloudAdapter(CloudOptions{BaseURL: srv.URL + "/", Auth: dr.BearerAuth{APIKey: "ak_1"}})
	require.NoError(t, err)
	return ad
}

func TestNewCloudAdapterRequiresBaseURL(t *testing.T) {
	_, err := NewCloudAdapter(CloudOptions{})
	require.Error(t, err)
}

func TestCloudAdapterListDevices(t *testing.T) {
	ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/devices", r.URL.Path)
		assert.Equal(t, "state=registered", r.URL.Query().Get("filter"))
		assert.Equal(t, "Bearer ak_1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "dev1", "state": "registered"}, {"id": ""}, {"id": "dev2"}},
		})
	})
	devices, err := ad.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []dr.Device{{ID: "dev1", State: "registered"}, {ID: "dev2"}}, devices)
}

func TestCloudAdapterResourceCalls(t *testing.T) {
	type seen struct{ method, path, body string }
	var (
		mu  sync.Mutex
		got []seen
	)
	ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, seen{r.Method, r.URL.Path, string(b)})
		mu.Unlock()
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("12"))
		}
	})
	ctx := context.Background()

	v, err := ad.GetResourceValue(ctx, "dev1", dr.ButtonResourcePath)
	require.NoError(t, err)
	assert.Equal(t, "12", string(v))
	require.NoError(t, ad.SetResourceValue(ctx, "dev1", dr.BlinkPatternResourcePath, []byte("500:500")))
	require.NoError(t, ad.SetResourceValue(ctx, "dev1", dr.BlinkResourcePath, nil))
	require.NoError(t, ad.Register(ctx, "dev1", dr.ButtonResourcePath))
	require.NoError(t, ad.Unsubscribe(ctx, "dev1", dr.ButtonResourcePath))
	require.NoError(t, ad.RegisterWebsocketChannel(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []seen{
		{http.MethodGet, "/v2/endpoints/dev1/3200/0/5501", ""},
		{http.MethodPut, "/v2/endpoints/dev1/3201/0/5853", "500:500"},
		{http.MethodPost, "/v2/endpoints/dev1/3201/0/5850", ""},
		{http.MethodPut, "/v2/subscriptions/dev1/3200/0/5501", ""},
		{http.MethodDelete, "/v2/subscriptions/dev1/3200/0/5501", ""},
		{http.MethodPut, "/v2/notification/websocket", ""},
	}, got)
}

func TestCloudAdapterStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, dr.ErrUnknownDevice},
		{http.StatusForbidden, dr.ErrAccessDenied},
		{http.StatusUnauthorized, dr.ErrRemoteUnavailable},
		{http.StatusTooManyRequests, dr.ErrRemoteUnavailable},
		{http.StatusBadGateway, dr.ErrRemoteUnavailable},
		{http.StatusBadRequest, dr.ErrInvalidParameter},
	}
	for _, tt := range tests {
		ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := ad.GetResourceValue(context.Background(), "dev1", dr.ButtonResourcePath)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestCloudAdapterTimeoutIsRemoteUnavailable(t *testing.T) {
	release := make(chan struct{})
	ad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ad.GetResourceValue(ctx, "dev1", dr.ButtonResourcePath)
	require.ErrorIs(t, err, dr.ErrRemoteUnavailable)
}

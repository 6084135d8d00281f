package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dr "github.com/xmidt-org/talaria/devicerelay"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

type stubClient struct {
	devices  []dr.Device
	listErr  error
	patterns map[dr.DeviceID]string
}

func (s *stubClient) ListDevices(ctx context.Context) ([]dr.Device, error) {
	return s.devices, s.listErr
}

func (s *stubClient) GetResourceValue(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) ([]byte, error) {
	p, ok := s.patterns[id]
	if !ok {
		return nil, dr.ErrRemoteUnavailable
	}
	return []byte(p), nil
}

func (s *stubClient) SetResourceValue(ctx context.Context, id dr.DeviceID, path dr.ResourcePath, value []byte) error {
	return nil
}

func (s *stubClient) Subscribe(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) (dr.ChangeFeed, error) {
	return nil, dr.ErrRemoteUnavailable
}

func (s *stubClient) Unsubscribe(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) error {
	return nil
}

func TestDevicesHandlerEmpty(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices", nil)
	DevicesHandler(&stubClient{}, time.Second, logger.Default())(rr, req)
	require.Equal(t, 200, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"devices":[],"count":0}`, rr.Body.String())
}

func TestDevicesHandlerWithDevices(t *testing.T) {
	c := &stubClient{
		devices:  []dr.Device{{ID: "dev1", State: "registered"}, {ID: "dev2"}},
		patterns: map[dr.DeviceID]string{"dev1": "500:500:500"},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices", nil)
	DevicesHandler(c, time.Second, logger.Default())(rr, req)
	require.Equal(t, 200, rr.Code)

	var out struct {
		Devices []DeviceInfo `json:"devices"`
		Count   int          `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, DeviceInfo{ID: "dev1", State: "registered", BlinkPattern: "500:500:500"}, out.Devices[0])
	// unreadable pattern leaves the device listed
	assert.Equal(t, DeviceInfo{ID: "dev2"}, out.Devices[1])
}

func TestDevicesHandlerRemoteDown(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices", nil)
	DevicesHandler(&stubClient{listErr: dr.ErrRemoteUnavailable}, time.Second, logger.Default())(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "RemoteUnavailable")
}

func TestRouterRoutes(t *testing.T) {
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := NewRouter(RouterConfig{Client: &stubClient{}, WebSocket: ws, RequestTimeout: time.Second, Logger: logger.Default()})

	for path, want := range map[string]int{"/api/devices": 200, "/ws": http.StatusTeapot, "/healthz": http.StatusNoContent, "/missing": 404} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, want, rr.Code, path)
	}
}

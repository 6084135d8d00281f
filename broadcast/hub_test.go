package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	messages     []Envelope
}

func (h *recordingHandler) OnConnect(s *Session) {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *recordingHandler) OnMessage(ctx context.Context, s *Session, msg Envelope) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	_ = s.Reply("pong", msg.ID, map[string]string{"session": s.ID()})
}

func (h *recordingHandler) OnDisconnect(s *Session) {
	h.mu.Lock()
	h.disconnected++
	h.mu.Unlock()
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected, h.disconnected
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestHubPublishReachesRoom(t *testing.T) {
	h := &recordingHandler{}
	hub := NewHub(HubConfig{Room: "room"}, h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	defer a.Close()
	defer b.Close()
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish("presses", map[string]string{"deviceId": "dev1", "value": "5"}))
	for _, c := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, c)
		assert.Equal(t, "presses", env.Event)
		assert.JSONEq(t, `{"deviceId":"dev1","value":"5"}`, string(env.Data))
	}
}

func TestHubReplyGoesToRequesterOnly(t *testing.T) {
	h := &recordingHandler{}
	hub := NewHub(HubConfig{}, h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	defer a.Close()
	defer b.Close()
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteJSON(Envelope{Event: "ping", ID: "r1"}))
	env := readEnvelope(t, a)
	assert.Equal(t, "pong", env.Event)
	assert.Equal(t, "r1", env.ID)

	// b only sees the next broadcast, not the reply
	require.NoError(t, hub.Publish("presses", nil))
	assert.Equal(t, "presses", readEnvelope(t, b).Event)
}

func TestHubMalformedMessage(t *testing.T) {
	hub := NewHub(HubConfig{}, &recordingHandler{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c := dial(t, srv)
	defer c.Close()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readEnvelope(t, c)
	assert.Equal(t, "error", env.Event)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "BadRequest", body["kind"])
}

func TestHubDisconnectNotifiesHandler(t *testing.T) {
	h := &recordingHandler{}
	hub := NewHub(HubConfig{}, h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		_, d := h.counts()
		return d == 1 && hub.Sessions() == 0
	}, time.Second, 5*time.Millisecond)
	connected, _ := h.counts()
	assert.Equal(t, 1, connected)
	// publishing into an empty room is fine
	require.NoError(t, hub.Publish("presses", nil))
}

func TestHubConcurrentPublish(t *testing.T) {
	hub := NewHub(HubConfig{SendBuffer: 256}, &recordingHandler{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	c := dial(t, srv)
	defer c.Close()
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, hub.Publish("presses", j))
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 80; i++ {
		assert.Equal(t, "presses", readEnvelope(t, c).Event)
	}
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSSinkSubject(t *testing.T) {
	conn := &fakeNATS{}
	s := NewNATSSink(conn, "devicerelay")
	require.NoError(t, s.Publish("presses", map[string]string{"value": "1"}))
	assert.Equal(t, []string{"devicerelay.presses"}, conn.subjects)
	assert.JSONEq(t, `{"event":"presses","data":{"value":"1"}}`, string(conn.payloads[0]))
}

func TestFanoutAggregatesErrors(t *testing.T) {
	ok, bad := &fakeNATS{}, &fakeNATS{err: errors.New("nats down")}
	f := Fanout{NewNATSSink(bad, ""), NewNATSSink(ok, "")}
	err := f.Publish("presses", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
	assert.Equal(t, []string{"presses"}, ok.subjects)
}

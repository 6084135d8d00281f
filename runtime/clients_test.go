package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dr "github.com/xmidt-org/talaria/devicerelay"
)

func TestPollingClientEmitsReads(t *testing.T) {
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := reads.Add(1)
		if n == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("7"))
	}))
	defer srv.Close()
	ad, err := NewCloudAdapter(CloudOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	pc := NewPollingClient(ad, PollingOptions{Interval: 10 * time.Millisecond, Buffer: 1})

	f, err := pc.Subscribe(context.Background(), "dev1", dr.ButtonResourcePath)
	require.NoError(t, err)

	c := <-f.C()
	assert.Equal(t, "7", string(c.Value))
	c = <-f.C()
	assert.ErrorIs(t, c.Err, dr.ErrRemoteUnavailable)
	c = <-f.C()
	assert.Equal(t, "7", string(c.Value))

	require.NoError(t, f.Close())
	require.NoError(t, pc.Unsubscribe(context.Background(), "dev1", dr.ButtonResourcePath))

	// polling stops with the feed
	settled := reads.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, reads.Load(), settled+1)
}

func TestPollingClientUnknownDeviceEndsFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	ad, err := NewCloudAdapter(CloudOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	pc := NewPollingClient(ad, PollingOptions{Interval: 5 * time.Millisecond})

	f, err := pc.Subscribe(context.Background(), "gone", dr.ButtonResourcePath)
	require.NoError(t, err)
	select {
	case _, ok := <-f.C():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed did not end")
	}
	assert.ErrorIs(t, f.Err(), dr.ErrSubscriptionLost)
}

func TestFeedDeliverAfterEnd(t *testing.T) {
	f := newFeed(0, nil)
	done := make(chan bool)
	go func() { done <- f.deliver(dr.Change{Value: []byte("x")}) }()
	// nobody reads; ending the feed releases the blocked producer
	time.Sleep(10 * time.Millisecond)
	f.end(dr.ErrSubscriptionLost)
	assert.False(t, <-done)
	assert.False(t, f.deliver(dr.Change{}))
	assert.ErrorIs(t, f.Err(), dr.ErrSubscriptionLost)
}

func TestFeedOfferKeepsNewest(t *testing.T) {
	f := newFeed(2, nil)
	for _, v := range []string{"a", "b", "c"} {
		queued, _ := f.offer(dr.Change{Value: []byte(v)})
		assert.True(t, queued)
	}
	assert.Equal(t, "b", string((<-f.C()).Value))
	assert.Equal(t, "c", string((<-f.C()).Value))

	f.end(nil)
	queued, dropped := f.offer(dr.Change{})
	assert.False(t, queued)
	assert.False(t, dropped)
}

package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
)

type subscription struct {
	key    Key
	feed   dr.ChangeFeed
	owners map[string]struct{} // guarded by Relay.mu
	cancel context.CancelFunc
	done   chan struct{}

	// lastSeen is written only by the watcher; mu lets late owners read it.
	mu       sync.Mutex
	lastSeen []byte
}

func newSubscription(key Key, baseline []byte, feed dr.ChangeFeed) *subscription {
	return &subscription{
		key:      key,
		feed:     feed,
		owners:   make(map[string]struct{}),
		cancel:   func() {},
		done:     make(chan struct{}),
		lastSeen: baseline,
	}
}

func (s *subscription) LastSeen() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.lastSeen...)
}

// swap stores v and reports whether it differs from the previous value.
func (s *subscription) swap(v []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if equalValue(s.lastSeen, v) {
		return false
	}
	s.lastSeen = append([]byte(nil), v...)
	return true
}

// watch drains the feed until cancelled or until the feed ends.
func (r *Relay) watch(ctx context.Context, s *subscription) {
	defer r.wg.Done()
	defer close(s.done)
	log := r.log.WithFields(logrus.Fields{"deviceId": s.key.DeviceID, "path": s.key.Path})
	for {
		var (
			c  dr.Change
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case c, ok = <-s.feed.C():
		}
		if ctx.Err() != nil {
			return
		}
		if !ok {
			r.lost(s)
			return
		}
		if c.Err != nil {
			log.WithError(c.Err).Warn("change notification carried an error, keeping last value")
			continue
		}
		value := c.Value
		if value == nil {
			v, err := r.readThrough(ctx, s.key)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("read after change failed, keeping last value")
				continue
			}
			value = v
		}
		if !s.swap(value) {
			continue
		}
		log.WithField("value", string(value)).Debug("emitting new value")
		r.publish(dr.TopicPresses, dr.Update{DeviceID: s.key.DeviceID, Path: s.key.Path, Value: value})
	}
}

func (r *Relay) readThrough(ctx context.Context, key Key) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.GetResourceValue(ctx, key.DeviceID, key.Path)
	return v, dr.Classify(err)
}

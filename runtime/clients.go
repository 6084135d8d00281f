package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

// PushClient delivers changes through the cloud notification channel.
type PushClient struct {
	*CloudAdapter
	channel *NotificationChannel
}

func NewPushClient(a *CloudAdapter, ch *NotificationChannel) *PushClient {
	return &PushClient{CloudAdapter: a, channel: ch}
}

// Subscribe opens the local feed before registering remotely so that no
// notification sent right after registration is missed.
func (p *PushClient) Subscribe(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) (dr.ChangeFeed, error) {
	f, err := p.channel.Open(id, path)
	if err != nil {
		return nil, err
	}
	if err := p.Register(ctx, id, path); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// PollingClient turns periodic reads into a change feed for clouds (or
// firewalled deployments) without a push channel.
type PollingClient struct {
	*CloudAdapter
	interval time.Duration
	timeout  time.Duration
	buffer   int
	log      *logrus.Entry
}

// PollingOptions configures a PollingClient.
type PollingOptions struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Buffer         int
	Logger         *logrus.Entry
}

func NewPollingClient(a *CloudAdapter, o PollingOptions) *PollingClient {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.Component("polling-client")
	}
	return &PollingClient{CloudAdapter: a, interval: o.Interval, timeout: o.RequestTimeout, buffer: o.Buffer, log: o.Logger}
}

// Subscribe starts polling the resource; the first read happens one interval
// after subscribing.
func (p *PollingClient) Subscribe(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) (dr.ChangeFeed, error) {
	f := newFeed(p.buffer, nil)
	go p.poll(f, id, path)
	return f, nil
}

// Unsubscribe is a no-op: nothing is registered remotely when polling.
func (p *PollingClient) Unsubscribe(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) error {
	return nil
}

func (p *PollingClient) poll(f *feed, id dr.DeviceID, path dr.ResourcePath) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
		}
		readCtx, readCancel := context.WithTimeout(ctx, p.timeout)
		v, err := p.GetResourceValue(readCtx, id, path)
		readCancel()
		if ctx.Err() != nil {
			return
		}
		c := dr.Change{DeviceID: id, Path: path, Value: v}
		if err != nil {
			if errors.Is(err, dr.ErrUnknownDevice) {
				f.end(fmt.Errorf("%w: %v", dr.ErrSubscriptionLost, err))
				return
			}
			p.log.WithError(err).WithField("deviceId", id).Debug("poll failed")
			c = dr.Change{DeviceID: id, Path: path, Err: err}
		}
		f.deliver(c)
	}
}

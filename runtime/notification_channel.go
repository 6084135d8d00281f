package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

var ErrAlreadyStarted = errors.New("notification channel already started")

// NotificationChannel is the process-wide push channel of the cloud. It keeps
// one websocket open to the notification endpoint and routes every
// notification to the feed opened for its (device, path). When the socket
// drops, every open feed ends with ErrSubscriptionLost and the channel
// reconnects with exponential backoff.
type NotificationChannel struct {
	baseWS string // e.g. wss://api.us-east-1.mbedcloud.com
	auth   dr.AuthStrategy
	buffer int
	log    *logrus.Entry

	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	// register is called before each dial; the cloud requires the
	// websocket channel to be declared before it accepts a connection.
	register func(ctx context.Context) error

	feedsMu sync.Mutex
	feeds   map[feedKey]*feed

	connMu sync.Mutex
	conn   *websocket.Conn

	startOnce sync.Once
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type feedKey struct {
	id   dr.DeviceID
	path dr.ResourcePath
}

// NotificationOptions configures a NotificationChannel.
type NotificationOptions struct {
	// BaseURL is the API root; http(s) is rewritten to ws(s).
	BaseURL string
	Auth    dr.AuthStrategy
	// Buffer is the per-feed queue length, at least one. A full feed drops
	// its oldest change.
	Buffer int
	Logger *logrus.Entry
	// Register declares the channel before connecting (optional).
	Register func(ctx context.Context) error
	// BackOff builds the reconnect policy (optional).
	BackOff func() backoff.BackOff
}

type notificationMessage struct {
	Notifications []struct {
		EP      string `json:"ep"`
		Path    string `json:"path"`
		Payload string `json:"payload"`
	} `json:"notifications"`
	Deregistrations      []string `json:"de-registrations"`
	RegistrationsExpired []string `json:"registrations-expired"`
}

func NewNotificationChannel(o NotificationOptions) *NotificationChannel {
	base := strings.TrimRight(o.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if o.Logger == nil {
		o.Logger = logger.Component("notification-channel")
	}
	if o.BackOff == nil {
		o.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &NotificationChannel{
		baseWS:     base,
		auth:       o.Auth,
		buffer:     max(o.Buffer, 1),
		log:        o.Logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newBackOff: o.BackOff,
		register:   o.Register,
		feeds:      make(map[feedKey]*feed),
		done:       make(chan struct{}),
	}
}

// Start launches the pump. It may be called once per process.
func (n *NotificationChannel) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	n.startOnce.Do(func() {
		err = nil
		ctx, n.cancel = context.WithCancel(ctx)
		n.started = true
		go n.run(ctx)
	})
	return err
}

// Stop closes the socket, ends every open feed and waits for the pump to exit.
func (n *NotificationChannel) Stop() error {
	n.startOnce.Do(func() {})
	if !n.started {
		return nil
	}
	n.cancel()
	n.connMu.Lock()
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.connMu.Unlock()
	<-n.done
	n.endAll(fmt.Errorf("%w: notification channel stopped", dr.ErrSubscriptionLost))
	return nil
}

// Open registers a feed for (id, path). Only one feed per pair may be open.
func (n *NotificationChannel) Open(id dr.DeviceID, path dr.ResourcePath) (dr.ChangeFeed, error) {
	key := feedKey{id: id, path: path}
	n.feedsMu.Lock()
	defer n.feedsMu.Unlock()
	if _, ok := n.feeds[key]; ok {
		return nil, dr.ErrDuplicateSubscription
	}
	var f *feed
	f = newFeed(n.buffer, func() {
		n.feedsMu.Lock()
		if n.feeds[key] == f {
			delete(n.feeds, key)
		}
		n.feedsMu.Unlock()
	})
	n.feeds[key] = f
	return f, nil
}

func (n *NotificationChannel) run(ctx context.Context) {
	defer close(n.done)
	for {
		conn, err := n.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.log.WithError(err).Error("notification channel gave up")
			}
			return
		}
		n.log.Info("notification channel connected")
		err = n.readLoop(conn)
		n.connMu.Lock()
		n.conn = nil
		n.connMu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		n.log.WithError(err).Warn("notification channel lost, reconnecting")
		n.endAll(fmt.Errorf("%w: notification channel lost: %v", dr.ErrSubscriptionLost, err))
	}
}

func (n *NotificationChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(n.baseWS + "/v2/notification/websocket-connect")
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	var conn *websocket.Conn
	op := func() error {
		if n.register != nil {
			if err := n.register(ctx); err != nil {
				return err
			}
		}
		header := http.Header{}
		if n.auth != nil {
			if v, e := n.auth.AuthorizationValue(); e == nil && v != "" {
				header.Set("Authorization", v)
			}
		}
		c, _, err := n.dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		n.log.WithError(err).WithField("retryIn", next).Warn("notification channel connect failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(n.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	n.connMu.Lock()
	n.conn = conn
	n.connMu.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (n *NotificationChannel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg notificationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			n.log.WithError(err).Debug("skipping undecodable notification message")
			continue
		}
		for _, nt := range msg.Notifications {
			c := dr.Change{DeviceID: dr.DeviceID(nt.EP), Path: dr.ResourcePath(nt.Path)}
			if nt.Payload != "" {
				v, err := base64.StdEncoding.DecodeString(nt.Payload)
				if err != nil {
					c.Err = fmt.Errorf("decode payload: %w", err)
				} else {
					c.Value = v
				}
			}
			n.dispatch(c)
		}
		for _, id := range msg.Deregistrations {
			n.endDevice(dr.DeviceID(id), "device deregistered")
		}
		for _, id := range msg.RegistrationsExpired {
			n.endDevice(dr.DeviceID(id), "registration expired")
		}
	}
}

func (n *NotificationChannel) dispatch(c dr.Change) {
	n.feedsMu.Lock()
	f, ok := n.feeds[feedKey{id: c.DeviceID, path: c.Path}]
	n.feedsMu.Unlock()
	if !ok {
		return
	}
	// the pump serves every device, so a slow watcher loses stale changes
	// instead of stalling delivery to the others
	if _, dropped := f.offer(c); dropped {
		n.log.WithFields(logrus.Fields{"deviceId": c.DeviceID, "path": c.Path}).Debug("feed full, dropped oldest change")
	}
}

func (n *NotificationChannel) endDevice(id dr.DeviceID, reason string) {
	n.feedsMu.Lock()
	var ended []*feed
	for k, f := range n.feeds {
		if k.id == id {
			ended = append(ended, f)
		}
	}
	n.feedsMu.Unlock()
	for _, f := range ended {
		f.end(fmt.Errorf("%w: %s", dr.ErrSubscriptionLost, reason))
	}
}

func (n *NotificationChannel) endAll(err error) {
	n.feedsMu.Lock()
	all := make([]*feed, 0, len(n.feeds))
	for _, f := range n.feeds {
		all = append(all, f)
	}
	n.feedsMu.Unlock()
	for _, f := range all {
		f.end(err)
	}
}

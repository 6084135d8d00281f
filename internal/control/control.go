// Package control maps browser commands onto relay operations.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
	"github.com/xmidt-org/talaria/devicerelay/broadcast"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

// Relay is the subset of *relay.Relay the controller drives.
type Relay interface {
	Subscribe(ctx context.Context, owner string, id dr.DeviceID, path dr.ResourcePath) ([]byte, error)
	Unsubscribe(ctx context.Context, owner string, id dr.DeviceID, path dr.ResourcePath) error
	Release(ctx context.Context, owner string) error
	ReadNow(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) ([]byte, error)
	WriteValue(ctx context.Context, id dr.DeviceID, path dr.ResourcePath, value []byte) error
}

// Client is the requesting session.
type Client interface {
	ID() string
	Reply(event, id string, payload interface{}) error
}

// Commands, and the legacy names older UIs send for them.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdRead        = "read"
	CmdWrite       = "write"
	CmdTrigger     = "trigger"
)

var aliases = map[string]string{
	"subscribe_to_presses":   CmdSubscribe,
	"unsubscribe_to_presses": CmdUnsubscribe,
	"get_presses":            CmdRead,
	"update_blink_pattern":   CmdWrite,
	"blink":                  CmdTrigger,
}

// Reply events.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPresses      = dr.TopicPresses
	EventWritten      = "written"
	EventTriggered    = "triggered"
	EventError        = "error"
)

type request struct {
	DeviceID     string  `json:"deviceId"`
	EndpointName string  `json:"endpointName"`
	Value        *string `json:"value"`
	BlinkPattern *string `json:"blinkPattern"`
}

func (r request) device() dr.DeviceID {
	if r.DeviceID != "" {
		return dr.DeviceID(r.DeviceID)
	}
	return dr.DeviceID(r.EndpointName)
}

func (r request) value() (string, bool) {
	switch {
	case r.Value != nil:
		return *r.Value, true
	case r.BlinkPattern != nil:
		return *r.BlinkPattern, true
	}
	return "", false
}

type deviceReply struct {
	DeviceID dr.DeviceID `json:"deviceId"`
	Value    *string     `json:"value,omitempty"`
}

type errorReply struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Config configures a Controller.
type Config struct {
	Relay Relay                 // required
	Sink  broadcast.Sink        // receives explicit reads for the room
	Log   *logrus.Entry
	// ReadRetry builds the retry policy for read; nil means three quick retries.
	ReadRetry func() backoff.BackOff
	// ReleaseTimeout bounds the teardown of a disconnected session.
	ReleaseTimeout time.Duration
}

// Controller is the control surface. Errors go back to the requester only.
type Controller struct {
	relay          Relay
	sink           broadcast.Sink
	log            *logrus.Entry
	readRetry      func() backoff.BackOff
	releaseTimeout time.Duration
}

func New(cfg Config) *Controller {
	if cfg.Log == nil {
		cfg.Log = logger.Component("control")
	}
	if cfg.ReadRetry == nil {
		cfg.ReadRetry = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 3)
		}
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 30 * time.Second
	}
	return &Controller{relay: cfg.Relay, sink: cfg.Sink, log: cfg.Log, readRetry: cfg.ReadRetry, releaseTimeout: cfg.ReleaseTimeout}
}

func (c *Controller) OnConnect(s *broadcast.Session) {}

func (c *Controller) OnMessage(ctx context.Context, s *broadcast.Session, msg broadcast.Envelope) {
	c.Handle(ctx, s, msg)
}

// OnDisconnect tears down everything the session subscribed to.
func (c *Controller) OnDisconnect(s *broadcast.Session) {
	c.Disconnect(s.ID())
}

// Disconnect releases all subscriptions owned by the client id.
func (c *Controller) Disconnect(owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()
	if err := c.relay.Release(ctx, owner); err != nil {
		c.log.WithError(err).WithField("session", owner).Warn("release after disconnect incomplete")
	}
}

// Handle runs one command and replies to the client.
func (c *Controller) Handle(ctx context.Context, cl Client, msg broadcast.Envelope) {
	log := logger.FromContext(ctx).WithField("event", msg.Event)
	cmd := msg.Event
	if alias, ok := aliases[cmd]; ok {
		cmd = alias
	}

	var req request
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.fail(cl, msg.ID, fmt.Errorf("%w: %v", dr.ErrInvalidParameter, err))
			return
		}
	}
	id := req.device()
	if id == "" {
		c.fail(cl, msg.ID, fmt.Errorf("%w: deviceId required", dr.ErrInvalidParameter))
		return
	}
	log = log.WithField("deviceId", id)
	log.Debug("command")

	switch cmd {
	case CmdSubscribe:
		v, err := c.relay.Subscribe(ctx, cl.ID(), id, dr.ButtonResourcePath)
		if err != nil {
			c.fail(cl, msg.ID, err)
			return
		}
		c.reply(cl, EventSubscribed, msg.ID, deviceReply{DeviceID: id, Value: text(v)})
	case CmdUnsubscribe:
		if err := c.relay.Unsubscribe(ctx, cl.ID(), id, dr.ButtonResourcePath); err != nil {
			c.fail(cl, msg.ID, err)
			return
		}
		c.reply(cl, EventUnsubscribed, msg.ID, deviceReply{DeviceID: id})
	case CmdRead:
		v, err := c.read(ctx, id)
		if err != nil {
			c.fail(cl, msg.ID, err)
			return
		}
		c.reply(cl, EventPresses, msg.ID, deviceReply{DeviceID: id, Value: text(v)})
		if c.sink != nil {
			if err := c.sink.Publish(dr.TopicPresses, dr.Update{DeviceID: id, Path: dr.ButtonResourcePath, Value: v}); err != nil {
				log.WithError(err).Warn("publish read value failed")
			}
		}
	case CmdWrite:
		v, ok := req.value()
		if !ok {
			c.fail(cl, msg.ID, fmt.Errorf("%w: value required", dr.ErrInvalidParameter))
			return
		}
		if err := c.relay.WriteValue(ctx, id, dr.BlinkPatternResourcePath, []byte(v)); err != nil {
			c.fail(cl, msg.ID, err)
			return
		}
		c.reply(cl, EventWritten, msg.ID, deviceReply{DeviceID: id})
	case CmdTrigger:
		if err := c.relay.WriteValue(ctx, id, dr.BlinkResourcePath, nil); err != nil {
			c.fail(cl, msg.ID, err)
			return
		}
		c.reply(cl, EventTriggered, msg.ID, deviceReply{DeviceID: id})
	default:
		c.fail(cl, msg.ID, fmt.Errorf("%w: unknown command %q", dr.ErrInvalidParameter, msg.Event))
	}
}

// read retries transient failures. Rejected credentials and the other kinds
// are returned at once.
func (c *Controller) read(ctx context.Context, id dr.DeviceID) ([]byte, error) {
	var v []byte
	op := func() error {
		var err error
		v, err = c.relay.ReadNow(ctx, id, dr.ButtonResourcePath)
		if err != nil && (!errors.Is(err, dr.ErrRemoteUnavailable) || errors.Is(err, dr.ErrAccessDenied)) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(c.readRetry(), ctx)); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Controller) reply(cl Client, event, id string, payload interface{}) {
	if err := cl.Reply(event, id, payload); err != nil {
		c.log.WithError(err).WithField("session", cl.ID()).Warn("reply failed")
	}
}

func (c *Controller) fail(cl Client, id string, err error) {
	c.log.WithError(err).WithField("session", cl.ID()).Debug("command failed")
	c.reply(cl, EventError, id, errorReply{Kind: dr.Kind(err), Message: err.Error()})
}

func text(v []byte) *string {
	s := string(v)
	return &s
}

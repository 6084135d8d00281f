// Package relay keeps at most one watcher per (device, resource) pair and
// forwards genuine value changes to a broadcast sink.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Sink receives relay output. Implementations must allow concurrent Publish.
type Sink interface {
	Publish(topic string, payload interface{}) error
}

// Key identifies a subscription.
type Key struct {
	DeviceID dr.DeviceID
	Path     dr.ResourcePath
}

func (k Key) String() string { return string(k.DeviceID) + string(k.Path) }

// Config configures a Relay.
type Config struct {
	Client dr.ResourceClient // required
	Sink   Sink              // required
	Logger *logrus.Entry
	// RequestTimeout bounds every remote call made by the relay.
	RequestTimeout time.Duration
	// RejectDuplicates fails a repeated subscribe by the same owner with
	// ErrDuplicateSubscription instead of answering it idempotently.
	RejectDuplicates bool
}

var ErrMissingCollaborator = errors.New("relay: client and sink are required")

// Relay is the subscription registry. Each subscription is owned by one or
// more client sessions and is torn down when the last owner leaves.
type Relay struct {
	client           dr.ResourceClient
	sink             Sink
	log              *logrus.Entry
	timeout          time.Duration
	rejectDuplicates bool

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[Key]*subscription
	// stopping holds pairs whose teardown is still running; the channel
	// closes once the remote unsubscribe has returned.
	stopping map[Key]chan struct{}
	closed   bool
}

func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil || cfg.Sink == nil {
		return nil, ErrMissingCollaborator
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("relay")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		client:           cfg.Client,
		sink:             cfg.Sink,
		log:              cfg.Logger,
		timeout:          cfg.RequestTimeout,
		rejectDuplicates: cfg.RejectDuplicates,
		ctx:              ctx,
		cancel:           cancel,
		subs:             make(map[Key]*subscription),
		stopping:         make(map[Key]chan struct{}),
	}, nil
}

// Subscribe makes owner an owner of the (id, path) subscription and returns
// the current value. The first owner creates the remote subscription, reads
// the baseline and starts the watcher; later owners get the last value seen.
func (r *Relay) Subscribe(ctx context.Context, owner string, id dr.DeviceID, path dr.ResourcePath) ([]byte, error) {
	key := Key{DeviceID: id, Path: path}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, dr.Classify(err)
	}

	r.mu.Lock()
	if s, ok := r.subs[key]; ok {
		defer r.mu.Unlock()
		if _, held := s.owners[owner]; held && r.rejectDuplicates {
			return nil, dr.ErrDuplicateSubscription
		}
		s.owners[owner] = struct{}{}
		return s.LastSeen(), nil
	}
	r.mu.Unlock()

	// The shared start is detached from ctx: it serves every concurrent
	// caller, not just the first one.
	v, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		for {
			r.mu.Lock()
			s, ok := r.subs[key]
			stop, stopping := r.stopping[key]
			r.mu.Unlock()
			if ok {
				return s, nil
			}
			if !stopping {
				return r.start(key)
			}
			// a previous subscription for the pair is still being removed
			// remotely; registering now would race its unsubscribe
			select {
			case <-stop:
			case <-r.ctx.Done():
				return nil, dr.ErrRelayClosed
			}
		}
	})
	if err != nil {
		return nil, err
	}
	s := v.(*subscription)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[key] != s {
		// the feed ended or the relay closed before we could take ownership
		if r.closed {
			return nil, dr.ErrRelayClosed
		}
		return nil, dr.ErrSubscriptionLost
	}
	s.owners[owner] = struct{}{}
	return s.LastSeen(), nil
}

func (r *Relay) start(key Key) (*subscription, error) {
	callCtx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	feed, err := r.client.Subscribe(callCtx, key.DeviceID, key.Path)
	if err != nil {
		return nil, dr.Classify(err)
	}
	value, err := r.client.GetResourceValue(callCtx, key.DeviceID, key.Path)
	if err != nil {
		_ = feed.Close()
		r.unsubscribeRemote(key)
		return nil, dr.Classify(err)
	}

	s := newSubscription(key, value, feed)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = feed.Close()
		r.unsubscribeRemote(key)
		return nil, dr.ErrRelayClosed
	}
	var wctx context.Context
	wctx, s.cancel = context.WithCancel(r.ctx)
	r.subs[key] = s
	r.wg.Add(1)
	r.mu.Unlock()

	go r.watch(wctx, s)
	r.log.WithFields(logrus.Fields{"deviceId": key.DeviceID, "path": key.Path}).Info("subscribed")
	return s, nil
}

// Unsubscribe drops owner from the (id, path) subscription. When no owner is
// left the watcher is stopped before the remote subscription is removed, so
// nothing is published for the pair once Unsubscribe returns. Unknown pairs
// and owners are ignored.
func (r *Relay) Unsubscribe(ctx context.Context, owner string, id dr.DeviceID, path dr.ResourcePath) error {
	key := Key{DeviceID: id, Path: path}
	r.mu.Lock()
	s, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if _, held := s.owners[owner]; !held {
		r.mu.Unlock()
		return nil
	}
	delete(s.owners, owner)
	if len(s.owners) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, key)
	stop := r.markStopping(key)
	r.mu.Unlock()

	defer r.doneStopping(key, stop)
	return r.teardown(ctx, s)
}

// Release unsubscribes everything owner holds; used when a client session ends.
func (r *Relay) Release(ctx context.Context, owner string) error {
	r.mu.Lock()
	var held []Key
	for k, s := range r.subs {
		if _, ok := s.owners[owner]; ok {
			held = append(held, k)
		}
	}
	r.mu.Unlock()

	var errs *multierror.Error
	for _, k := range held {
		if err := r.Unsubscribe(ctx, owner, k.DeviceID, k.Path); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errs.ErrorOrNil()
}

// ReadNow reads the resource once, bypassing subscriptions.
func (r *Relay) ReadNow(ctx context.Context, id dr.DeviceID, path dr.ResourcePath) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.GetResourceValue(ctx, id, path)
	return v, dr.Classify(err)
}

// WriteValue writes the resource once. An empty value triggers the resource.
func (r *Relay) WriteValue(ctx context.Context, id dr.DeviceID, path dr.ResourcePath, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return dr.Classify(r.client.SetResourceValue(ctx, id, path, value))
}

// Active lists the subscribed pairs in a stable order.
func (r *Relay) Active() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close stops every watcher and removes all remote subscriptions.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[Key]*subscription)
	stops := make(map[Key]chan struct{}, len(subs))
	for k := range subs {
		stops[k] = r.markStopping(k)
	}
	r.mu.Unlock()

	r.cancel()
	var errs *multierror.Error
	for k, s := range subs {
		if err := r.teardown(ctx, s); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
		r.doneStopping(k, stops[k])
	}
	r.wg.Wait()
	return errs.ErrorOrNil()
}

func (r *Relay) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return dr.ErrRelayClosed
	}
	return nil
}

// markStopping records that key is being torn down. Callers hold r.mu.
func (r *Relay) markStopping(key Key) chan struct{} {
	stop := make(chan struct{})
	r.stopping[key] = stop
	return stop
}

func (r *Relay) doneStopping(key Key, stop chan struct{}) {
	r.mu.Lock()
	if r.stopping[key] == stop {
		delete(r.stopping, key)
	}
	r.mu.Unlock()
	close(stop)
}

func (r *Relay) teardown(ctx context.Context, s *subscription) error {
	s.cancel()
	<-s.done
	_ = s.feed.Close()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Unsubscribe(ctx, s.key.DeviceID, s.key.Path); err != nil {
		err = dr.Classify(err)
		r.log.WithError(err).WithField("deviceId", s.key.DeviceID).Warn("remote unsubscribe failed")
		return err
	}
	r.log.WithFields(logrus.Fields{"deviceId": s.key.DeviceID, "path": s.key.Path}).Info("unsubscribed")
	return nil
}

func (r *Relay) unsubscribeRemote(key Key) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Unsubscribe(ctx, key.DeviceID, key.Path); err != nil {
		r.log.WithError(err).WithField("deviceId", key.DeviceID).Debug("release of half-created subscription failed")
	}
}

// lost removes a subscription whose feed ended on its own and tells the
// clients the value is stale.
func (r *Relay) lost(s *subscription) {
	reason := s.feed.Err()
	if reason == nil {
		reason = dr.ErrSubscriptionLost
	}
	r.mu.Lock()
	if r.subs[s.key] == s {
		delete(r.subs, s.key)
	}
	r.mu.Unlock()

	r.log.WithError(reason).WithField("deviceId", s.key.DeviceID).Warn("subscription lost")
	r.publish(dr.TopicSubscriptionLost, dr.Lost{DeviceID: s.key.DeviceID, Path: s.key.Path, Reason: reason.Error()})
}

func (r *Relay) publish(topic string, payload interface{}) {
	if err := r.sink.Publish(topic, payload); err != nil {
		r.log.WithError(err).WithField("topic", topic).Warn("publish failed")
	}
}

// equalValue compares values byte for byte.
func equalValue(a, b []byte) bool { return bytes.Equal(a, b) }

package devicerelay

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// AuthStrategy acquires an authorization header value (e.g., "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// BearerAuth turns a cloud API key into a bearer token header.
type BearerAuth struct{ APIKey string }

func (b BearerAuth) AuthorizationValue() (string, error) {
	if b.APIKey == "" {
		return "", nil
	}
	return "Bearer " + b.APIKey, nil
}

// Feed modes select which shape of the remote API delivers changes.
const (
	FeedModePush = "push"
	FeedModePoll = "poll"
)

// Options configures the relay process.
type Options struct {
	ListenAddr     string        `env:"RELAY_LISTEN_ADDR,default=127.0.0.1:8002"`
	CloudBaseURL   string        `env:"RELAY_CLOUD_URL,default=https://api.us-east-1.mbedcloud.com"`
	APIKey         string        `env:"RELAY_API_KEY"`
	FeedMode       string        `env:"RELAY_FEED_MODE,default=push"`
	PollInterval   time.Duration `env:"RELAY_POLL_INTERVAL,default=1s"`
	RequestTimeout time.Duration `env:"RELAY_REQUEST_TIMEOUT,default=10s"`
	FeedBuffer     int           `env:"RELAY_FEED_BUFFER,default=16"`
	// RejectDuplicates makes a repeated subscribe from the same client fail
	// instead of being answered with the current value.
	RejectDuplicates bool   `env:"RELAY_REJECT_DUPLICATE_SUBSCRIPTIONS,default=false"`
	Room             string `env:"RELAY_ROOM,default=room"`
	NATSURL          string `env:"RELAY_NATS_URL"`
	NATSSubject      string `env:"RELAY_NATS_SUBJECT,default=devicerelay"`
	LogLevel         string `env:"RELAY_LOG_LEVEL,default=info"`
}

// DefaultOptions gives baseline sensible defaults for local dev.
func DefaultOptions() Options {
	return Options{
		ListenAddr:     "127.0.0.1:8002",
		CloudBaseURL:   "https://api.us-east-1.mbedcloud.com",
		FeedMode:       FeedModePush,
		PollInterval:   time.Second,
		RequestTimeout: 10 * time.Second,
		FeedBuffer:     16,
		Room:           "room",
		NATSSubject:    "devicerelay",
		LogLevel:       "info",
	}
}

// LoadOptions decodes Options from the environment.
func LoadOptions() (Options, error) {
	opts := DefaultOptions()
	if err := envdecode.Decode(&opts); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Options{}, fmt.Errorf("decode environment: %w", err)
	}
	return opts, opts.Validate()
}

func (o Options) Validate() error {
	if o.CloudBaseURL == "" {
		return fmt.Errorf("%w: cloud base URL required", ErrInvalidParameter)
	}
	switch o.FeedMode {
	case FeedModePush, FeedModePoll:
	default:
		return fmt.Errorf("%w: feed mode %q", ErrInvalidParameter, o.FeedMode)
	}
	if o.FeedMode == FeedModePoll && o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidParameter)
	}
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidParameter)
	}
	if o.FeedBuffer < 0 {
		return fmt.Errorf("%w: feed buffer must not be negative", ErrInvalidParameter)
	}
	if o.Room == "" {
		return fmt.Errorf("%w: room required", ErrInvalidParameter)
	}
	return nil
}

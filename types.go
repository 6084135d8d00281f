package devicerelay

import (
	"context"
	"encoding/json"
)

type DeviceID string

// ResourcePath addresses an attribute in the device object model (object/instance/resource).
type ResourcePath string

// Paths understood by the demo firmware. Do not change.
const (
	ButtonResourcePath       ResourcePath = "/3200/0/5501"
	BlinkPatternResourcePath ResourcePath = "/3201/0/5853"
	BlinkResourcePath        ResourcePath = "/3201/0/5850"
)

type Device struct {
	ID    DeviceID `json:"id"`
	State string   `json:"state,omitempty"`
}

// Change is one notification from a change feed. A nil Value with a nil Err
// means the resource changed but the notification did not carry the value.
type Change struct {
	DeviceID DeviceID
	Path     ResourcePath
	Value    []byte
	Err      error
}

// ChangeFeed is the asynchronous stream of changes for one subscribed resource.
// C is closed when the feed ends; Err then reports why (nil after Close).
type ChangeFeed interface {
	C() <-chan Change
	Err() error
	Close() error
}

// ResourceClient is the remote device-management service.
type ResourceClient interface {
	ListDevices(ctx context.Context) ([]Device, error)
	GetResourceValue(ctx context.Context, id DeviceID, path ResourcePath) ([]byte, error)
	// SetResourceValue writes value; an empty value executes the resource instead.
	SetResourceValue(ctx context.Context, id DeviceID, path ResourcePath, value []byte) error
	Subscribe(ctx context.Context, id DeviceID, path ResourcePath) (ChangeFeed, error)
	Unsubscribe(ctx context.Context, id DeviceID, path ResourcePath) error
}

// Topics published to the broadcast sink.
const (
	TopicPresses          = "presses"
	TopicSubscriptionLost = "subscription-lost"
)

// Update is a changed resource value on its way to the browser clients.
type Update struct {
	DeviceID DeviceID
	Path     ResourcePath
	Value    []byte
}

// MarshalJSON renders the value as text; bytes stay raw everywhere else.
func (u Update) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DeviceID DeviceID     `json:"deviceId"`
		Path     ResourcePath `json:"path"`
		Value    string       `json:"value"`
	}{u.DeviceID, u.Path, string(u.Value)})
}

// Lost reports a subscription whose feed ended without being cancelled.
type Lost struct {
	DeviceID DeviceID     `json:"deviceId"`
	Path     ResourcePath `json:"path"`
	Reason   string       `json:"reason"`
}

package devicerelay

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrRemoteUnavailable     = errors.New("remote unavailable")
	ErrUnknownDevice         = errors.New("unknown device")
	ErrSubscriptionLost      = errors.New("subscription lost")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrAccessDenied          = errors.New("access denied")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrRelayClosed           = errors.New("relay closed")
)

// Classify converts an error returned by a remote call into one of the relay
// error kinds. Unknown failures are treated as transient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRemoteUnavailable),
		errors.Is(err, ErrUnknownDevice),
		errors.Is(err, ErrSubscriptionLost),
		errors.Is(err, ErrDuplicateSubscription),
		errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrRelayClosed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timeout: %w", ErrRemoteUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: network: %w", ErrRemoteUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
}

// Kind names the error kind reported to clients.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownDevice):
		return "UnknownDevice"
	case errors.Is(err, ErrSubscriptionLost):
		return "SubscriptionLost"
	case errors.Is(err, ErrDuplicateSubscription):
		return "DuplicateSubscription"
	case errors.Is(err, ErrInvalidParameter):
		return "BadRequest"
	case errors.Is(err, ErrRelayClosed):
		return "RelayClosed"
	default:
		return "RemoteUnavailable"
	}
}

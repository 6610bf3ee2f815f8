package alerts

import (
	"errors"
	"fmt"
)

// DeliveryErrorKind classifies messaging-side failures so callers can decide
// between isolating, skipping, or retrying.
type DeliveryErrorKind int

const (
	// DeliveryPermission: the bot lacks permission to act in the channel.
	DeliveryPermission DeliveryErrorKind = iota
	// DeliveryNotFound: the channel or message no longer exists.
	DeliveryNotFound
	// DeliveryTransient: network or server-side failure; may succeed later.
	DeliveryTransient
)

// String returns a human-readable name for the kind.
func (k DeliveryErrorKind) String() string {
	switch k {
	case DeliveryPermission:
		return "permission"
	case DeliveryNotFound:
		return "not_found"
	case DeliveryTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// DeliveryError is a classified failure from the messaging collaborator.
// Delivery errors are isolated per subscription and never abort a batch.
type DeliveryError struct {
	Kind DeliveryErrorKind
	Op   string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewDeliveryError wraps err as a classified delivery failure.
func NewDeliveryError(kind DeliveryErrorKind, op string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Op: op, Err: err}
}

// AsDeliveryError extracts a DeliveryError from an error chain.
func AsDeliveryError(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined          = errors.New("media engine not joined")
	ErrAlreadyJoined      = errors.New("media engine already joined")
	ErrEngineClosed       = errors.New("media engine closed")
	ErrNoDevice           = errors.New("capture device not available")
	ErrPermissionDenied   = errors.New("capture device permission denied")
	ErrNotProvider        = errors.New("operation requires provider role")
	ErrSessionEnded       = errors.New("session ended")
	ErrSessionStarted     = errors.New("session already started")
	ErrEndNotRequested    = errors.New("end call was not requested")
	ErrCartNotFound       = errors.New("cart not found")
	ErrLineNotFound       = errors.New("cart line not found")
	ErrSpeedNotEnabled    = errors.New("shipping speed not enabled for pharmacy")
	ErrUnknownSpeed       = errors.New("unknown shipping speed")
	ErrRatesNotLoaded     = errors.New("rate data not loaded")
	ErrInvalidVisitToken  = errors.New("invalid visit token")
	ErrVisitNotFound      = errors.New("visit not found")
	ErrVisitEnded         = errors.New("visit ended")
	ErrLockNotAcquired    = errors.New("lock not acquired")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrInvalidInput       = errors.New("invalid input")
)

// ConnectionError is returned when the media transport rejects a join or
// publish (expired token, bad app credential, network failure).
type ConnectionError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("media %s on channel %q failed: %v", e.Op, e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeviceError is returned when a camera or microphone is unavailable or
// access is denied. The call keeps running in degraded mode.
type DeviceError struct {
	Kind TrackKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SignalingDeliveryFailure wraps a failed waiting/admitted publish.
type SignalingDeliveryFailure struct {
	Event string
	Err   error
}

func (e *SignalingDeliveryFailure) Error() string {
	return fmt.Sprintf("signaling event %q not delivered: %v", e.Event, e.Err)
}

func (e *SignalingDeliveryFailure) Unwrap() error { return e.Err }

// NormalizationWriteFailure wraps a failed shipping-speed correction.
type NormalizationWriteFailure struct {
	Group GroupKey
	Speed ShippingSpeed
	Err   error
}

func (e *NormalizationWriteFailure) Error() string {
	return fmt.Sprintf("shipping speed correction for group %s to %s failed: %v", e.Group, e.Speed, e.Err)
}

func (e *NormalizationWriteFailure) Unwrap() error { return e.Err }

// TeardownError wraps a leave/unsubscribe failure during cleanup.
type TeardownError struct {
	Step string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown step %q failed: %v", e.Step, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrInvalidOptions is returned when task options fail to decode or validate.
var ErrInvalidOptions = errors.New("invalid task options")

// Priority is the accuracy-vs-power tier of a location request.
type Priority int

const (
	PriorityHighAccuracy Priority = iota
	PriorityBalanced
	PriorityLowPower
	PriorityNoPower
)

func (p Priority) String() string {
	switch p {
	case PriorityHighAccuracy:
		return "high_accuracy"
	case PriorityBalanced:
		return "balanced"
	case PriorityLowPower:
		return "low_power"
	case PriorityNoPower:
		return "no_power"
	default:
		return "unknown"
	}
}

// Location request defaults.
const (
	DefaultLocationInterval = 10 * time.Second
	DefaultFastestInterval  = 5 * time.Second
	DefaultMaxWait          = 30 * time.Second
	DefaultFetchInterval    = 15 * time.Minute
)

// LocationRequest is fixed when a location consumer is constructed.
type LocationRequest struct {
	Interval         time.Duration
	FastestInterval  time.Duration
	Priority         Priority
	MaxWait          time.Duration
	DistanceInterval float64 // meters, 0 = any movement
}

// LocationOptions are the task options of a periodic-location task.
// Durations are milliseconds.
type LocationOptions struct {
	Interval         int64   `json:"interval" validate:"gte=0"`
	FastestInterval  int64   `json:"fastestInterval" validate:"gte=0"`
	MaxWait          int64   `json:"maxWait" validate:"gte=0"`
	Accuracy         string  `json:"accuracy" validate:"omitempty,oneof=lowest low balanced high highest best"`
	DistanceInterval float64 `json:"distanceInterval" validate:"gte=0"`
}

// Request converts options to a LocationRequest, filling defaults.
func (o LocationOptions) Request() LocationRequest {
	req := LocationRequest{
		Interval:         millis(o.Interval, DefaultLocationInterval),
		FastestInterval:  millis(o.FastestInterval, DefaultFastestInterval),
		MaxWait:          millis(o.MaxWait, DefaultMaxWait),
		Priority:         accuracyPriority(o.Accuracy),
		DistanceInterval: o.DistanceInterval,
	}
	if req.FastestInterval > req.Interval {
		req.FastestInterval = req.Interval
	}
	return req
}

func accuracyPriority(a string) Priority {
	switch strings.ToLower(a) {
	case "lowest":
		return PriorityNoPower
	case "low":
		return PriorityLowPower
	case "balanced":
		return PriorityBalanced
	default:
		return PriorityHighAccuracy
	}
}

func millis(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Region is one monitored circular area.
type Region struct {
	Identifier    string  `json:"identifier" validate:"required"`
	Latitude      float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude     float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Radius        float64 `json:"radius" validate:"gt=0"`
	NotifyOnEnter *bool   `json:"notifyOnEnter,omitempty"`
	NotifyOnExit  *bool   `json:"notifyOnExit,omitempty"`
}

// Notifies reports whether the region wants transitions of the given type.
// Both default to true.
func (r Region) Notifies(t Transition) bool {
	switch t {
	case TransitionEnter:
		return r.NotifyOnEnter == nil || *r.NotifyOnEnter
	case TransitionExit:
		return r.NotifyOnExit == nil || *r.NotifyOnExit
	default:
		return false
	}
}

// GeofenceOptions are the task options of a geofence task.
type GeofenceOptions struct {
	Regions []Region `json:"regions" validate:"required,min=1,dive"`
}

// FetchOptions are the task options of a generic background-fetch task.
// MinimumInterval is in seconds.
type FetchOptions struct {
	MinimumInterval int64  `json:"minimumInterval" validate:"gte=0"`
	Schedule        string `json:"schedule"`
}

func (o FetchOptions) Request() FetchRequest {
	iv := DefaultFetchInterval
	if o.MinimumInterval > 0 {
		iv = time.Duration(o.MinimumInterval) * time.Second
	}
	return FetchRequest{MinimumInterval: iv, Schedule: strings.TrimSpace(o.Schedule)}
}

// DecodeOptions converts opaque task options into a typed, validated struct.
// Unknown keys are ignored.
func DecodeOptions[T any](options map[string]any) (T, error) {
	var out T
	if len(options) > 0 {
		b, err := json.Marshal(options)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return out, nil
}

package consumer

import (
	"encoding/json"
	"fmt"
)

// Coords is the position part of a location fix.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy"`
	Heading   float64 `json:"heading"`
	Speed     float64 `json:"speed"`
}

// Location is one fix. Timestamp is unix milliseconds.
type Location struct {
	Coords    Coords `json:"coords"`
	Timestamp int64  `json:"timestamp"`
}

// LocationBatch is both the raw payload delivered by a location facility and
// the data forwarded to the application.
type LocationBatch struct {
	Locations []Location `json:"locations"`
}

// Transition is a geofence region event type.
type Transition string

const (
	TransitionEnter Transition = "enter"
	TransitionExit  Transition = "exit"
)

// GeofenceEvent is the raw payload of a geofencing facility and the data
// forwarded to the application.
type GeofenceEvent struct {
	EventType Transition `json:"eventType"`
	Region    Region     `json:"region"`
}

// FetchEvent is the raw payload of a background-fetch wakeup.
type FetchEvent struct {
	FiredAt int64 `json:"firedAt"` // unix milliseconds
}

func decodePayload(kind string, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

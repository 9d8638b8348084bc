package inbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects how an envelope is handled.
type Kind string

const (
	// KindDelivery hands Payload to the task addressed by Identifier.
	KindDelivery Kind = "delivery"
	// KindLocation feeds Payload ({"locations":[...]}) to the location facility.
	KindLocation Kind = "location"
	// KindPosition feeds Payload ({"latitude":..,"longitude":..}) to geofencing.
	KindPosition Kind = "position"
	// KindFetch fires one background fetch for Identifier.
	KindFetch Kind = "fetch"
)

const (
	spoolExt      = ".json"
	quarantineExt = ".bad"
)

var ErrInvalidEnvelope = errors.New("invalid inbox envelope")

// Envelope is the content of one spool file.
type Envelope struct {
	Kind       Kind            `json:"kind,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Position is the payload of a KindPosition envelope.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Key is the engine key for the envelope. Deliveries to the same identifier
// share a key and therefore keep their order.
func (e Envelope) Key() string {
	if e.Identifier != "" {
		return e.Identifier
	}
	return "inbox:" + string(e.Kind)
}

func (e *Envelope) normalize() error {
	if e.Kind == "" {
		e.Kind = KindDelivery
	}
	switch e.Kind {
	case KindDelivery, KindFetch:
		if strings.TrimSpace(e.Identifier) == "" {
			return fmt.Errorf("%w: %s requires identifier", ErrInvalidEnvelope, e.Kind)
		}
	case KindLocation, KindPosition:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: %s requires payload", ErrInvalidEnvelope, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// DecodeEnvelope strictly decodes one spool file.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrInvalidEnvelope)
	}
	if err := env.normalize(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// WriteSpool atomically drops env into dir and returns the file path. File
// names sort in write order.
func WriteSpool(dir string, env Envelope) (string, error) {
	if err := env.normalize(); err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString()[:8], spoolExt)
	tmp, err := os.CreateTemp(dir, ".spool-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

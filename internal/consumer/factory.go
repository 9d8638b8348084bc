package consumer

import (
	"errors"
	"fmt"

	"taskrelay/internal/task/manager"
)

var ErrUnknownKind = errors.New("unknown consumer kind")

// Factory builds consumers by kind. It is what restores tasks after a cold start.
type Factory struct {
	host *HostRef
}

func NewFactory(host *HostRef) *Factory { return &Factory{host: host} }

func (f *Factory) New(kind string, options map[string]any) (manager.Consumer, error) {
	var (
		c   manager.Consumer
		err error
	)
	switch kind {
	case KindPeriodicLocation:
		c, err = nonNil(NewLocationFromOptions(f.host, options))
	case KindGeofence:
		c, err = nonNil(NewGeofenceFromOptions(f.host, options))
	case KindGeneric, "":
		c, err = nonNil(NewFetchFromOptions(f.host, options))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s consumer: %w", kind, err)
	}
	return c, nil
}

// nonNil avoids handing out a typed nil inside a non-nil interface.
func nonNil[T manager.Consumer](c T, err error) (manager.Consumer, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Kinds lists the kinds New understands.
func Kinds() []string {
	return []string{KindPeriodicLocation, KindGeofence, KindGeneric}
}

// Package bluetooth abstracts the host's view of connected accessories.
//
// The tracker consumes two capabilities: an Enumerator snapshotting the
// currently connected accessory set, and an optional Watcher streaming
// connect/disconnect/power events where the platform has an event bus. The
// BlueZ backend provides both on Linux; the inventory backend wraps the
// profiler snapshot for hosts without one.
package bluetooth

import "context"

// Accessory is one paired-or-connected device as the host reports it.
type Accessory struct {
	Name      string
	Address   string
	Connected bool

	// Class is the class-of-device bitfield, zero when the host does not
	// expose one.
	Class uint32
	// Services lists the advertised service UUIDs, short or full form.
	Services []string
	// MinorType is the platform's textual device subtype, empty when the
	// host reports raw class bits instead.
	MinorType string
}

// Enumerator snapshots the host's connected accessory set.
type Enumerator interface {
	// ConnectedAccessories returns every accessory the host currently
	// reports as connected.
	ConnectedAccessories(ctx context.Context) ([]Accessory, error)
	// Powered reports whether the host radio is on. Backends that cannot
	// tell report true and let enumeration speak for itself.
	Powered(ctx context.Context) (bool, error)
}

// EventType labels a Watcher event.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventPowerOn
	EventPowerOff
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPowerOn:
		return "power-on"
	case EventPowerOff:
		return "power-off"
	default:
		return "unknown"
	}
}

// Event is one connection-state change. Address is the raw host form and is
// empty for power events.
type Event struct {
	Type    EventType
	Address string
}

// Watcher streams connection-state changes. The channel closes when the
// context ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

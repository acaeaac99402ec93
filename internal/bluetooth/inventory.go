package bluetooth

import (
	"context"

	"atoll/internal/source"
)

// Snapshotter yields the host inventory's connected-device snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context) []source.ProfilerDevice
}

// Inventory adapts the inventory snapshot into an enumerator for hosts
// without a connection event bus. Snapshot entries are connected by
// definition. Radio power is not observable through the tool; Powered
// reports true, and a powered-off radio shows up as an empty snapshot.
type Inventory struct {
	snap Snapshotter
}

func NewInventory(snap Snapshotter) *Inventory {
	return &Inventory{snap: snap}
}

func (i *Inventory) ConnectedAccessories(ctx context.Context) ([]Accessory, error) {
	devices := i.snap.Snapshot(ctx)
	out := make([]Accessory, 0, len(devices))
	for _, dev := range devices {
		out = append(out, Accessory{
			Name:      dev.Name,
			Address:   dev.Address,
			Connected: true,
			MinorType: dev.MinorType,
		})
	}
	return out, nil
}

func (i *Inventory) Powered(ctx context.Context) (bool, error) {
	return true, nil
}

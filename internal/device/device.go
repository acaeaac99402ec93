// Package device defines the record the tracker keeps per connected audio
// accessory. Records are replaced wholesale when evidence changes, never
// mutated field by field from multiple writers.
package device

import (
	"atoll/internal/classify"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

// Record is the identity and state of one connected accessory.
type Record struct {
	// ID is the stable opaque identity, derived from the normalized
	// address when present and the normalized name otherwise.
	ID string

	// Name is the advertised display name.
	Name string

	// Address is the normalized address key (may be empty when the host
	// only exposed a name).
	Address string

	// Battery is the best known combined level, nil when unknown.
	Battery *int

	Type classify.DeviceType

	// Sides carries per-bud state for earbud pairs, nil otherwise.
	Sides *evidence.SideState
}

// New builds a record for a freshly connected accessory. The battery and
// side fields start empty; the aggregator fills them in.
func New(name, rawAddress string, t classify.DeviceType) *Record {
	addr := normalize.Address(rawAddress)
	id := addr
	if id == "" {
		id = normalize.Name(name)
	}
	return &Record{
		ID:      id,
		Name:    name,
		Address: addr,
		Type:    t,
	}
}

// NameKey returns the normalized name key used for name-table lookups.
func (r *Record) NameKey() string {
	return normalize.Name(r.Name)
}

// SetBattery stores a clamped battery level.
func (r *Record) SetBattery(pct int) {
	v := evidence.Clamp(pct)
	r.Battery = &v
}

// HasBattery reports whether a combined level is known.
func (r *Record) HasBattery() bool {
	return r.Battery != nil
}

// Equal reports whether two records carry the same identity and state. The
// tracker uses it to publish only when something actually changed.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.ID != o.ID || r.Name != o.Name || r.Address != o.Address || r.Type != o.Type {
		return false
	}
	if !pctEq(r.Battery, o.Battery) {
		return false
	}
	return sidesEq(r.Sides, o.Sides)
}

func sidesEq(a, b *evidence.SideState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return pctEq(a.Left, b.Left) && pctEq(a.Right, b.Right) && pctEq(a.Case, b.Case) &&
		flagEq(a.LeftConnected, b.LeftConnected) && flagEq(a.RightConnected, b.RightConnected) &&
		flagEq(a.LeftCharging, b.LeftCharging) && flagEq(a.RightCharging, b.RightCharging) &&
		flagEq(a.CaseCharging, b.CaseCharging)
}

func pctEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func flagEq(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Battery != nil {
		v := *r.Battery
		out.Battery = &v
	}
	out.Sides = r.Sides.Clone()
	return &out
}

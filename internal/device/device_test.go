package device

import (
	"testing"

	"atoll/internal/classify"
	"atoll/internal/evidence"
)

func TestNewDerivesIdentity(t *testing.T) {
	r := New("Aidan's AirPods Pro", "AA:BB:CC:DD:EE:FF", classify.TypeAirPodsPro)
	if r.Address != "aabbccddeeff" {
		t.Fatalf("Address = %q, want aabbccddeeff", r.Address)
	}
	if r.ID != "aabbccddeeff" {
		t.Fatalf("ID = %q, want address-derived id", r.ID)
	}
	if r.NameKey() != "aidansairpodspro" {
		t.Fatalf("NameKey = %q", r.NameKey())
	}

	nameOnly := New("Kitchen Speaker", "", classify.TypeSpeaker)
	if nameOnly.ID != "kitchenspeaker" {
		t.Fatalf("name-only ID = %q, want kitchenspeaker", nameOnly.ID)
	}
}

func TestSetBatteryClamps(t *testing.T) {
	r := New("buds", "11:22:33:44:55:66", classify.TypeHeadphones)
	if r.HasBattery() {
		t.Fatalf("fresh record reports battery")
	}
	r.SetBattery(130)
	if !r.HasBattery() || *r.Battery != 100 {
		t.Fatalf("Battery = %v, want 100", r.Battery)
	}
	r.SetBattery(-4)
	if *r.Battery != 0 {
		t.Fatalf("Battery = %v, want 0", *r.Battery)
	}
}

func TestCloneIsDeep(t *testing.T) {
	left, right := 80, 22
	connected := true
	r := New("AirPods Pro", "aa:bb:cc:dd:ee:ff", classify.TypeAirPodsPro)
	r.SetBattery(79)
	r.Sides = &evidence.SideState{Left: &left, Right: &right, LeftConnected: &connected}

	c := r.Clone()
	*c.Battery = 5
	*c.Sides.Left = 1
	*c.Sides.LeftConnected = false

	if *r.Battery != 79 {
		t.Fatalf("clone mutation leaked into original battery: %d", *r.Battery)
	}
	if *r.Sides.Left != 80 {
		t.Fatalf("clone mutation leaked into original side: %d", *r.Sides.Left)
	}
	if !*r.Sides.LeftConnected {
		t.Fatalf("clone mutation leaked into original flag")
	}

	var nilRec *Record
	if nilRec.Clone() != nil {
		t.Fatalf("nil Clone returned non-nil")
	}
}

func TestEqual(t *testing.T) {
	base := func() *Record {
		r := New("AirPods Pro", "AA:BB:CC:DD:EE:FF", classify.TypeAirPodsPro)
		r.SetBattery(80)
		left := 82
		r.Sides = &evidence.SideState{Left: &left}
		return r
	}

	if !base().Equal(base()) {
		t.Fatalf("identical records compared unequal")
	}
	if !base().Equal(base().Clone()) {
		t.Fatalf("clone compared unequal to its source")
	}

	cases := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"battery", func(r *Record) { r.SetBattery(79) }},
		{"battery cleared", func(r *Record) { r.Battery = nil }},
		{"name", func(r *Record) { r.Name = "Other" }},
		{"type", func(r *Record) { r.Type = classify.TypeGeneric }},
		{"side level", func(r *Record) { *r.Sides.Left = 10 }},
		{"sides cleared", func(r *Record) { r.Sides = nil }},
		{"side flag", func(r *Record) { v := true; r.Sides.LeftConnected = &v }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			other := base()
			c.mutate(other)
			if base().Equal(other) {
				t.Fatalf("records compared equal after %s changed", c.name)
			}
		})
	}

	var nilRec *Record
	if nilRec.Equal(base()) || base().Equal(nilRec) {
		t.Fatalf("nil record compared equal to non-nil")
	}
	if !nilRec.Equal(nil) {
		t.Fatalf("two nil records compared unequal")
	}
}

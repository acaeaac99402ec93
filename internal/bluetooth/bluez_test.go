package bluetooth

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"

	"atoll/internal/source"
)

func TestMacFromPath(t *testing.T) {
	cases := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci1/dev_11_22_33_44_55_66", "11:22:33:44:55:66"},
		{"/org/bluez/hci0", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := macFromPath(c.path); got != c.want {
			t.Fatalf("macFromPath(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestAccessoryFromProps(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address":   dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Name":      dbus.MakeVariant("AirPods Pro"),
		"Connected": dbus.MakeVariant(true),
		"Class":     dbus.MakeVariant(uint32(0x240404)),
		"UUIDs":     dbus.MakeVariant([]string{"0000110b-0000-1000-8000-00805f9b34fb"}),
		"Icon":      dbus.MakeVariant("audio-headset"),
	}
	acc, ok := accessoryFromProps("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", props)
	if !ok {
		t.Fatal("accessoryFromProps rejected a full property set")
	}
	if acc.Address != "AA:BB:CC:DD:EE:FF" || acc.Name != "AirPods Pro" {
		t.Fatalf("identity = %q/%q", acc.Name, acc.Address)
	}
	if !acc.Connected || acc.Class != 0x240404 || acc.MinorType != "audio-headset" {
		t.Fatalf("state = %+v", acc)
	}
	if len(acc.Services) != 1 || acc.Services[0] != "0000110b-0000-1000-8000-00805f9b34fb" {
		t.Fatalf("services = %v", acc.Services)
	}
}

func TestAccessoryFromPropsFallbacks(t *testing.T) {
	// No Address property: the path supplies it. No Name: Alias stands in.
	props := map[string]dbus.Variant{
		"Alias":     dbus.MakeVariant("My Buds"),
		"Connected": dbus.MakeVariant(true),
	}
	acc, ok := accessoryFromProps("/org/bluez/hci0/dev_11_22_33_44_55_66", props)
	if !ok {
		t.Fatal("accessoryFromProps rejected a aliased device")
	}
	if acc.Address != "11:22:33:44:55:66" {
		t.Fatalf("address = %q, want path-derived", acc.Address)
	}
	if acc.Name != "My Buds" {
		t.Fatalf("name = %q, want alias", acc.Name)
	}

	if _, ok := accessoryFromProps("/org/bluez/hci0", map[string]dbus.Variant{}); ok {
		t.Fatal("accessoryFromProps accepted a device with no address at all")
	}
}

func propertySignal(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsSignal,
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestEventFromSignal(t *testing.T) {
	devPath := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	cases := []struct {
		name string
		sig  *dbus.Signal
		want Event
		ok   bool
	}{
		{
			name: "device connected",
			sig:  propertySignal(devPath, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}),
			want: Event{Type: EventConnected, Address: "AA:BB:CC:DD:EE:FF"},
			ok:   true,
		},
		{
			name: "device disconnected",
			sig:  propertySignal(devPath, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}),
			want: Event{Type: EventDisconnected, Address: "AA:BB:CC:DD:EE:FF"},
			ok:   true,
		},
		{
			name: "adapter powered off",
			sig:  propertySignal(adapterPath, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}),
			want: Event{Type: EventPowerOff},
			ok:   true,
		},
		{
			name: "adapter powered on",
			sig:  propertySignal(adapterPath, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
			want: Event{Type: EventPowerOn},
			ok:   true,
		},
		{
			name: "unrelated device property",
			sig:  propertySignal(devPath, deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}),
		},
		{
			name: "unrelated interface",
			sig:  propertySignal(devPath, "org.bluez.MediaControl1", map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}),
		},
		{
			name: "wrong signal name",
			sig:  &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{"a", "b", "c"}},
		},
		{
			name: "nil signal",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := eventFromSignal(c.sig)
			if ok != c.ok {
				t.Fatalf("eventFromSignal ok = %v, want %v", ok, c.ok)
			}
			if ok && got != c.want {
				t.Fatalf("eventFromSignal = %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestEventTypeString(t *testing.T) {
	if EventConnected.String() != "connected" || EventPowerOff.String() != "power-off" {
		t.Fatalf("EventType strings = %q, %q", EventConnected, EventPowerOff)
	}
}

type fakeSnapshotter struct {
	devices []source.ProfilerDevice
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context) []source.ProfilerDevice {
	return f.devices
}

func TestInventoryEnumerates(t *testing.T) {
	inv := NewInventory(&fakeSnapshotter{devices: []source.ProfilerDevice{
		{Name: "AirPods Pro", Address: "AA:BB:CC:DD:EE:FF", MinorType: "Headphones"},
		{Name: "MX Master 3", Address: "11:22:33:44:55:66"},
	}})

	accs, err := inv.ConnectedAccessories(context.Background())
	if err != nil {
		t.Fatalf("ConnectedAccessories: %v", err)
	}
	if len(accs) != 2 {
		t.Fatalf("got %d accessories, want 2", len(accs))
	}
	if !accs[0].Connected || accs[0].MinorType != "Headphones" {
		t.Fatalf("first accessory = %+v", accs[0])
	}

	powered, err := inv.Powered(context.Background())
	if err != nil || !powered {
		t.Fatalf("Powered = %v, %v; want true", powered, err)
	}
}

package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterPath  = "/org/bluez/hci0"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"
	objMgrIface  = "org.freedesktop.DBus.ObjectManager"
	propsSignal  = propsIface + ".PropertiesChanged"
)

// macFromPath extracts the device address from a BlueZ object path like
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

// BlueZ enumerates and watches accessories over the system bus. It provides
// both the Enumerator and Watcher capabilities.
type BlueZ struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewBlueZ connects to the system bus and verifies the daemon is present, so
// callers can fall back to another backend at startup.
func NewBlueZ(log *slog.Logger) (*BlueZ, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == busName {
			return &BlueZ{conn: conn, log: log}, nil
		}
	}
	conn.Close()
	return nil, fmt.Errorf("%s not present on system bus", busName)
}

func (b *BlueZ) Close() error {
	return b.conn.Close()
}

// ConnectedAccessories walks the managed object tree and returns every
// device currently marked connected.
func (b *BlueZ) ConnectedAccessories(ctx context.Context) ([]Accessory, error) {
	obj := b.conn.Object(busName, dbus.ObjectPath("/"))
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.CallWithContext(ctx, objMgrIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("get managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}

	var out []Accessory
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		acc, ok := accessoryFromProps(path, props)
		if !ok || !acc.Connected {
			continue
		}
		out = append(out, acc)
	}
	return out, nil
}

// accessoryFromProps maps one Device1 property set to an accessory.
func accessoryFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (Accessory, bool) {
	var acc Accessory
	if v, ok := props["Address"]; ok {
		acc.Address, _ = v.Value().(string)
	}
	if acc.Address == "" {
		acc.Address = macFromPath(path)
	}
	if acc.Address == "" {
		return Accessory{}, false
	}
	if v, ok := props["Name"]; ok {
		acc.Name, _ = v.Value().(string)
	}
	if acc.Name == "" {
		if v, ok := props["Alias"]; ok {
			acc.Name, _ = v.Value().(string)
		}
	}
	if v, ok := props["Connected"]; ok {
		acc.Connected, _ = v.Value().(bool)
	}
	if v, ok := props["Class"]; ok {
		switch c := v.Value().(type) {
		case uint32:
			acc.Class = c
		case int32:
			acc.Class = uint32(c)
		}
	}
	if v, ok := props["UUIDs"]; ok {
		acc.Services, _ = v.Value().([]string)
	}
	if v, ok := props["Icon"]; ok {
		acc.MinorType, _ = v.Value().(string)
	}
	return acc, true
}

// Powered reads the adapter power state.
func (b *BlueZ) Powered(ctx context.Context) (bool, error) {
	obj := b.conn.Object(busName, dbus.ObjectPath(adapterPath))
	var v dbus.Variant
	call := obj.CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered")
	if call.Err != nil {
		return false, fmt.Errorf("read adapter power state: %w", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("decode adapter power state: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("adapter Powered is not bool")
	}
	return powered, nil
}

// Watch subscribes to property changes under the BlueZ tree and streams
// connect/disconnect and power events until the context ends.
func (b *BlueZ) Watch(ctx context.Context) (<-chan Event, error) {
	rule := "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'"
	if call := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return nil, fmt.Errorf("subscribe to property changes: %w", call.Err)
	}
	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer b.conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				ev, ok := eventFromSignal(sig)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// eventFromSignal translates one PropertiesChanged signal into an event.
// Signals for other interfaces or properties yield nothing.
func eventFromSignal(sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
		return Event{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return Event{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Event{}, false
	}

	switch iface {
	case deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return Event{}, false
		}
		connected, ok := v.Value().(bool)
		if !ok {
			return Event{}, false
		}
		addr := macFromPath(sig.Path)
		if addr == "" {
			return Event{}, false
		}
		if connected {
			return Event{Type: EventConnected, Address: addr}, true
		}
		return Event{Type: EventDisconnected, Address: addr}, true

	case adapterIface:
		v, ok := changed["Powered"]
		if !ok {
			return Event{}, false
		}
		powered, ok := v.Value().(bool)
		if !ok {
			return Event{}, false
		}
		if powered {
			return Event{Type: EventPowerOn}, true
		}
		return Event{Type: EventPowerOff}, true
	}
	return Event{}, false
}

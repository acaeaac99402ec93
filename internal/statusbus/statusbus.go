// Package statusbus publishes the tracked accessory state on the session
// bus so desktop widgets can render it without linking the daemon.
package statusbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"atoll/internal/device"
	"atoll/internal/presenter"
)

const (
	busName   = "org.atoll.Status"
	objPath   = "/org/atoll/Status"
	ifaceName = "org.atoll.Status"

	// updatedSignal fires whenever the tracked set or its levels change.
	updatedSignal = ifaceName + ".Updated"
)

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="GetStatus">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetDevices">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetDisplayItems">
      <arg direction="out" type="s" name="json"/>
    </method>
    <signal name="Updated"/>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// DeviceView is the tracker surface the service reads.
type DeviceView interface {
	Records() []*device.Record
	LastConnected() *device.Record
	AnyConnected() bool
}

// ItemSource derives display items from records.
type ItemSource interface {
	Items(recs []*device.Record) []presenter.Item
}

// Service exposes the accessory state over D-Bus.
type Service struct {
	view  DeviceView
	items ItemSource
	log   *slog.Logger
	conn  *godbus.Conn
}

func NewService(view DeviceView, items ItemSource, log *slog.Logger) *Service {
	return &Service{view: view, items: items, log: log}
}

// Export registers the service on the session bus.
func (s *Service) Export() error {
	conn, err := godbus.SessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	conn.Export(s, objPath, ifaceName)
	conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable")

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("name %s already taken", busName)
	}

	s.conn = conn
	s.log.Info("status service registered", "name", busName)
	return nil
}

// Close releases the bus connection.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// NotifyChanged emits the Updated signal; the tracker's update callback
// drives it.
func (s *Service) NotifyChanged() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Emit(objPath, updatedSignal); err != nil {
		s.log.Debug("emit update signal", "err", err)
	}
}

// GetStatus returns the daemon-level summary as JSON.
func (s *Service) GetStatus() (string, *godbus.Error) {
	recs := s.view.Records()
	summary := map[string]any{
		"any_connected": s.view.AnyConnected(),
		"device_count":  len(recs),
	}
	if last := s.view.LastConnected(); last != nil {
		summary["last_connected"] = last.Name
	}
	return marshal(summary)
}

// GetDevices returns the tracked records as JSON.
func (s *Service) GetDevices() (string, *godbus.Error) {
	recs := s.view.Records()
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		entry := map[string]any{
			"id":      rec.ID,
			"name":    rec.Name,
			"address": rec.Address,
			"type":    rec.Type.String(),
		}
		if rec.Battery != nil {
			entry["battery"] = *rec.Battery
		}
		out = append(out, entry)
	}
	return marshal(out)
}

// GetDisplayItems returns the presentation-ready item list as JSON.
func (s *Service) GetDisplayItems() (string, *godbus.Error) {
	items := s.items.Items(s.view.Records())
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		entry := map[string]any{
			"id":     it.ID,
			"symbol": it.Symbol,
			"label":  it.Label,
		}
		if it.Percent != nil {
			entry["percent"] = *it.Percent
		}
		out = append(out, entry)
	}
	return marshal(out)
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}

// Package ipc is the unix-socket JSON surface of the daemon: one request
// and one response per connection. Local tools query status and display
// items over it, and extension clients register activities and widgets
// through it.
package ipc

import (
	"encoding/json"

	"atoll/internal/device"
	"atoll/internal/extension"
	"atoll/internal/history"
	"atoll/internal/presenter"
)

// Operation names accepted in Request.Op.
const (
	OpStatus           = "status"
	OpDevices          = "devices"
	OpItems            = "items"
	OpHistory          = "history"
	OpActivityRegister = "activity.register"
	OpActivityUpdate   = "activity.update"
	OpActivityEnd      = "activity.end"
	OpActivityList     = "activity.list"
	OpWidgetSet        = "widget.set"
	OpWidgetRemove     = "widget.remove"
	OpWidgetList       = "widget.list"
)

// Request is sent by a client to the daemon.
type Request struct {
	Op string `json:"op"`

	// Client and Token gate the extension operations.
	Client string `json:"client,omitempty"`
	Token  string `json:"token,omitempty"`

	// ID addresses an existing activity; Kind labels a new one; Slot
	// addresses a widget position.
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
	Slot string `json:"slot,omitempty"`

	// Address and SinceSeconds scope a history query.
	Address      string `json:"address,omitempty"`
	SinceSeconds int64  `json:"since_seconds,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is sent by the daemon back to the client. Exactly one data field
// is populated per operation; Error is set instead when the call failed.
type Response struct {
	Error string `json:"error,omitempty"`

	Status     *Status               `json:"status,omitempty"`
	Devices    []DeviceInfo          `json:"devices,omitempty"`
	Items      []ItemInfo            `json:"items,omitempty"`
	Samples    []history.Sample      `json:"samples,omitempty"`
	Activity   *extension.Activity   `json:"activity,omitempty"`
	Activities []*extension.Activity `json:"activities,omitempty"`
	Widget     *extension.Widget     `json:"widget,omitempty"`
	Widgets    []*extension.Widget   `json:"widgets,omitempty"`
}

// Status is the daemon-level summary.
type Status struct {
	AnyConnected  bool   `json:"any_connected"`
	DeviceCount   int    `json:"device_count"`
	LastConnected string `json:"last_connected,omitempty"`
}

// DeviceInfo is the wire shape of one tracked accessory.
type DeviceInfo struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Address string     `json:"address"`
	Type    string     `json:"type"`
	Battery *int       `json:"battery,omitempty"`
	Sides   *SidesInfo `json:"sides,omitempty"`
}

// SidesInfo is the wire shape of per-bud state.
type SidesInfo struct {
	Left           *int  `json:"left,omitempty"`
	Right          *int  `json:"right,omitempty"`
	Case           *int  `json:"case,omitempty"`
	LeftConnected  *bool `json:"left_connected,omitempty"`
	RightConnected *bool `json:"right_connected,omitempty"`
}

// ItemInfo is the wire shape of one display item.
type ItemInfo struct {
	ID      string `json:"id"`
	Symbol  string `json:"symbol"`
	Label   string `json:"label"`
	Percent *int   `json:"percent,omitempty"`
}

func deviceInfo(rec *device.Record) DeviceInfo {
	info := DeviceInfo{
		ID:      rec.ID,
		Name:    rec.Name,
		Address: rec.Address,
		Type:    rec.Type.String(),
		Battery: rec.Battery,
	}
	if rec.Sides != nil {
		info.Sides = &SidesInfo{
			Left:           rec.Sides.Left,
			Right:          rec.Sides.Right,
			Case:           rec.Sides.Case,
			LeftConnected:  rec.Sides.LeftConnected,
			RightConnected: rec.Sides.RightConnected,
		}
	}
	return info
}

func itemInfo(it presenter.Item) ItemInfo {
	return ItemInfo{ID: it.ID, Symbol: it.Symbol, Label: it.Label, Percent: it.Percent}
}

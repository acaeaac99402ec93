package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"atoll/internal/config"
)

const (
	bluezService   = "org.bluez"
	adapterPath    = "/org/bluez/hci0"
	appleCompanyID = 0x004C

	propertiesChangedSignal = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// AdvertScanner passively reads proximity pairing advertisements through the
// BlueZ D-Bus API. No connection to the accessory is needed, so levels are
// readable even while the buds are attached to another host. Advertised
// levels are coarse; a configured per-device key upgrades them to exact
// readings.
//
// Advertisements broadcast from a rotating random address, so a reading is
// never attributed to a stable device address here. The caller decides
// attribution.
type AdvertScanner struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	keys    [][]byte
	log     *slog.Logger
}

// NewAdvertScanner connects to the system bus and decodes the configured
// advertisement keys. Malformed keys are skipped with a warning.
func NewAdvertScanner(cfg *config.Config, log *slog.Logger) (*AdvertScanner, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	s := &AdvertScanner{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		log:     log,
	}
	for _, dk := range cfg.Wireless.DeviceKeys {
		key, err := decodeDeviceKey(dk)
		if err != nil {
			log.Warn("skipping malformed advertisement key", "address", dk.Address, "err", err)
			continue
		}
		s.keys = append(s.keys, key)
	}
	return s, nil
}

func decodeDeviceKey(dk config.DeviceKey) ([]byte, error) {
	key, err := hex.DecodeString(dk.Key)
	if err != nil {
		return nil, err
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}
	return key, nil
}

// Start begins LE discovery and subscribes to device property changes.
func (s *AdvertScanner) Start() error {
	obj := s.conn.Object(bluezService, adapterPath)

	filter := map[string]interface{}{"Transport": "le"}
	if err := obj.Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("set discovery filter: %w", err)
	}
	if err := obj.Call("org.bluez.Adapter1.StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	rule := "type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'"
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("add match rule: %w", err)
	}
	s.conn.Signal(s.signals)
	return nil
}

// Stop ends LE discovery.
func (s *AdvertScanner) Stop() error {
	obj := s.conn.Object(bluezService, adapterPath)
	return obj.Call("org.bluez.Adapter1.StopDiscovery", 0).Err
}

// Close stops discovery and drops the bus connection.
func (s *AdvertScanner) Close() error {
	s.Stop()
	return s.conn.Close()
}

// ScanOnce waits up to window for the next parseable proximity advertisement
// and returns it with the advertising address. The address rotates and is
// only useful for display.
func (s *AdvertScanner) ScanOnce(ctx context.Context, window time.Duration) (*ProximityReading, string, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-timer.C:
			return nil, "", fmt.Errorf("no proximity advertisement within %s", window)
		case sig := <-s.signals:
			reading, addr, ok := s.readingFromSignal(sig)
			if !ok {
				continue
			}
			return reading, addr, nil
		}
	}
}

func (s *AdvertScanner) readingFromSignal(sig *dbus.Signal) (*ProximityReading, string, bool) {
	if sig == nil || sig.Name != propertiesChangedSignal || len(sig.Body) < 2 {
		return nil, "", false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != "org.bluez.Device1" {
		return nil, "", false
	}
	changes, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, "", false
	}
	mfgVar, ok := changes["ManufacturerData"]
	if !ok {
		return nil, "", false
	}
	mfg, ok := mfgVar.Value().(map[uint16]dbus.Variant)
	if !ok {
		return nil, "", false
	}
	appleVar, ok := mfg[appleCompanyID]
	if !ok {
		return nil, "", false
	}
	payload, ok := appleVar.Value().([]byte)
	if !ok {
		return nil, "", false
	}

	reading, err := ParseProximity(payload)
	if err != nil {
		return nil, "", false
	}
	s.tryDecrypt(reading)
	return reading, addressFromDevicePath(string(sig.Path)), true
}

// tryDecrypt attempts each configured key against the trailing encrypted
// block. The plaintext markers reject wrong keys, so trying every key is
// safe.
func (s *AdvertScanner) tryDecrypt(reading *ProximityReading) {
	if len(s.keys) == 0 || len(reading.Raw) < 16 {
		return
	}
	encrypted := reading.Raw[len(reading.Raw)-16:]
	for _, key := range s.keys {
		decrypted, err := DecryptProximity(encrypted, key)
		if err != nil {
			continue
		}
		if err := reading.MergeDecrypted(decrypted); err != nil {
			s.log.Debug("decrypted merge failed", "err", err)
		}
		return
	}
}

// addressFromDevicePath turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into
// AA:BB:CC:DD:EE:FF. Returns the input unchanged when it is not a device
// path.
func addressFromDevicePath(path string) string {
	i := strings.LastIndex(path, "/dev_")
	if i < 0 {
		return path
	}
	return strings.ReplaceAll(path[i+len("/dev_"):], "_", ":")
}

package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"

	"atoll/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePrefStore(t *testing.T, root map[string]interface{}) string {
	t.Helper()
	data, err := plist.Marshal(root, plist.XMLFormat)
	if err != nil {
		t.Fatalf("plist.Marshal() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "com.example.Bluetooth.plist")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func prefReaderAt(t *testing.T, path string) *PrefReader {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sources.PreferencePath = path
	return NewPrefReader(cfg, discardLogger())
}

func TestPrefCollect(t *testing.T) {
	path := writePrefStore(t, map[string]interface{}{
		"DeviceCache": map[string]interface{}{
			"aa:bb:cc:dd:ee:ff": map[string]interface{}{
				"Name":           "Aidan's AirPods Pro",
				"BatteryPercent": 66,
			},
			"11:22:33:44:55:66": map[string]interface{}{
				"BatteryPercent": 0.8,
			},
			"de:ad:be:ef:00:01": map[string]interface{}{
				"BatteryLevel": "45%",
			},
		},
	})
	r := prefReaderAt(t, path)

	part := r.Collect(context.Background())
	if got, ok := part.ByAddress["aabbccddeeff"]; !ok || got != 66 {
		t.Fatalf("ByAddress[aabbccddeeff] = %d, %v; want 66", got, ok)
	}
	if got, ok := part.ByName["aidansairpodspro"]; !ok || got != 66 {
		t.Fatalf("ByName[aidansairpodspro] = %d, %v; want 66", got, ok)
	}
	if got, ok := part.ByAddress["112233445566"]; !ok || got != 80 {
		t.Fatalf("fractional entry = %d, %v; want 80", got, ok)
	}
	if got, ok := part.ByAddress["deadbeef0001"]; !ok || got != 45 {
		t.Fatalf("string entry = %d, %v; want 45", got, ok)
	}
}

func TestPrefCollectSides(t *testing.T) {
	path := writePrefStore(t, map[string]interface{}{
		"DeviceCache": map[string]interface{}{
			"aa:bb:cc:dd:ee:ff": map[string]interface{}{
				"Name":                    "AirPods Pro",
				"BatteryPercentLeft":      70,
				"RightBatteryLevel":       64,
				"ExtraCaseLevelHint":      31,
				"LeftInEar":               true,
				"HeadsetRightInEarStatus": 0,
			},
		},
	})
	r := prefReaderAt(t, path)

	sides := r.CollectSides(context.Background())
	state, ok := sides["airpodspro"]
	if !ok {
		t.Fatalf("CollectSides() missing airpodspro: %v", sides)
	}
	if state.Left == nil || *state.Left != 70 {
		t.Fatalf("Left = %v, want 70", state.Left)
	}
	if state.Right == nil || *state.Right != 64 {
		t.Fatalf("Right = %v, want 64", state.Right)
	}
	if state.Case == nil || *state.Case != 31 {
		t.Fatalf("Case (substring scan) = %v, want 31", state.Case)
	}
	if state.LeftConnected == nil || !*state.LeftConnected {
		t.Fatalf("LeftConnected = %v, want true", state.LeftConnected)
	}
	if state.RightConnected == nil || *state.RightConnected {
		t.Fatalf("RightConnected (substring scan) = %v, want false", state.RightConnected)
	}
}

func TestPrefLiveLevel(t *testing.T) {
	path := writePrefStore(t, map[string]interface{}{
		"DeviceCache": map[string]interface{}{
			"aa:bb:cc:dd:ee:ff": map[string]interface{}{
				"Name":           "Studio Buds",
				"BatteryPercent": 52,
			},
		},
	})
	r := prefReaderAt(t, path)

	if pct, ok := r.LiveLevel("aabbccddeeff", ""); !ok || pct != 52 {
		t.Fatalf("LiveLevel(by address) = %d, %v; want 52", pct, ok)
	}
	if pct, ok := r.LiveLevel("", "studiobuds"); !ok || pct != 52 {
		t.Fatalf("LiveLevel(by name) = %d, %v; want 52", pct, ok)
	}
	if _, ok := r.LiveLevel("000000000000", "nosuchname"); ok {
		t.Fatalf("LiveLevel(miss) reported a value")
	}
}

func TestPrefCachedProduct(t *testing.T) {
	path := writePrefStore(t, map[string]interface{}{
		"DeviceCache": map[string]interface{}{
			"aa:bb:cc:dd:ee:ff": map[string]interface{}{
				"VendorID":  0x05AC,
				"ProductID": 0x2014,
			},
		},
		"CoreBluetoothCache": map[string]interface{}{
			"9F6A-2253": map[string]interface{}{
				"DeviceAddress": "11-22-33-44-55-66",
				"ProductID":     "0x200e",
			},
		},
	})
	r := prefReaderAt(t, path)

	pair, ok := r.CachedProduct("aabbccddeeff")
	if !ok || pair.Vendor != 0x05AC || pair.Product != 0x2014 {
		t.Fatalf("CachedProduct(device cache) = %+v, %v", pair, ok)
	}
	pair, ok = r.CachedProduct("112233445566")
	if !ok || pair.Product != 0x200E {
		t.Fatalf("CachedProduct(wireless cache) = %+v, %v", pair, ok)
	}
	if _, ok := r.CachedProduct("000000000000"); ok {
		t.Fatalf("CachedProduct(miss) reported a pair")
	}
}

func TestPrefPeripheralID(t *testing.T) {
	path := writePrefStore(t, map[string]interface{}{
		"CoreBluetoothCache": map[string]interface{}{
			"9F6A-2253": map[string]interface{}{
				"DeviceAddress": "AA:BB:CC:DD:EE:FF",
			},
		},
	})
	r := prefReaderAt(t, path)

	id, ok := r.PeripheralID("aabbccddeeff")
	if !ok || id != "9F6A-2253" {
		t.Fatalf("PeripheralID() = %q, %v; want 9F6A-2253", id, ok)
	}
	if _, ok := r.PeripheralID("000000000000"); ok {
		t.Fatalf("PeripheralID(miss) reported an id")
	}
}

func TestPrefMissingStore(t *testing.T) {
	r := prefReaderAt(t, filepath.Join(t.TempDir(), "missing.plist"))
	if part := r.Collect(context.Background()); !part.Empty() {
		t.Fatalf("Collect(missing store) = %v, want empty", part)
	}
	if sides := r.CollectSides(context.Background()); len(sides) != 0 {
		t.Fatalf("CollectSides(missing store) = %v, want empty", sides)
	}
}

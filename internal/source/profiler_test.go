package source

import (
	"context"
	"testing"
	"time"

	"atoll/internal/config"
)

const profilerFixture = `{
  "SPBluetoothDataType": [
    {
      "controller_properties": {"controller_address": "00:11:22:33:44:55"},
      "device_connected": [
        {
          "Aidan's AirPods Pro": {
            "device_address": "AA:BB:CC:DD:EE:FF",
            "device_batteryLevelLeft": "70%",
            "device_batteryLevelRight": "64%",
            "device_batteryLevelCase": "31%",
            "device_minorType": "Headphones",
            "device_productID": "0x2014",
            "device_vendorID": "0x05ac"
          }
        },
        {
          "Soundcore Life P2": {
            "device_address": "11:22:33:44:55:66",
            "device_batteryLevelMain": "85%",
            "device_minorType": "Headphones"
          }
        },
        {
          "Magic Trackpad": {
            "device_address": "22:33:44:55:66:77",
            "device_batteryPercentSingle": "40%"
          }
        }
      ]
    }
  ]
}`

func seededProfiler(t *testing.T) *ProfilerReader {
	t.Helper()
	cfg := config.DefaultConfig()
	r := NewProfilerReader(cfg, discardLogger())
	devices, err := parseProfilerReport([]byte(profilerFixture), cfg.Aliases)
	if err != nil {
		t.Fatalf("parseProfilerReport() error = %v", err)
	}
	r.devices = devices
	r.fetchedAt = time.Now()
	return r
}

func TestParseProfilerReport(t *testing.T) {
	cfg := config.DefaultConfig()
	devices, err := parseProfilerReport([]byte(profilerFixture), cfg.Aliases)
	if err != nil {
		t.Fatalf("parseProfilerReport() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("parsed %d devices, want 3", len(devices))
	}

	byName := make(map[string]ProfilerDevice)
	for _, dev := range devices {
		byName[dev.Name] = dev
	}

	pods := byName["Aidan's AirPods Pro"]
	if pods.Address != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("address = %q", pods.Address)
	}
	if pods.Left == nil || *pods.Left != 70 || pods.Right == nil || *pods.Right != 64 {
		t.Fatalf("sides = %v/%v, want 70/64", pods.Left, pods.Right)
	}
	if !pods.HasIDs || pods.Vendor != 0x05AC || pods.Product != 0x2014 {
		t.Fatalf("ids = %04x:%04x (has=%v)", pods.Vendor, pods.Product, pods.HasIDs)
	}
	if pods.MinorType != "Headphones" {
		t.Fatalf("minor type = %q", pods.MinorType)
	}

	speaker := byName["Soundcore Life P2"]
	if speaker.Battery == nil || *speaker.Battery != 85 {
		t.Fatalf("battery = %v, want 85", speaker.Battery)
	}

	// device_batteryPercentSingle sits lower in the prioritized key list.
	trackpad := byName["Magic Trackpad"]
	if trackpad.Battery == nil || *trackpad.Battery != 40 {
		t.Fatalf("battery = %v, want 40", trackpad.Battery)
	}
}

func TestProfilerBatterySubstringFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	payload := map[string]interface{}{
		"device_oddBatteryReading": "55%",
	}
	dev := deviceFromPayload("X", payload, cfg.Aliases)
	if dev.Battery == nil || *dev.Battery != 55 {
		t.Fatalf("fallback battery = %v, want 55", dev.Battery)
	}
}

func TestProfilerCollect(t *testing.T) {
	r := seededProfiler(t)
	part := r.Collect(context.Background())

	if got, ok := part.ByAddress["112233445566"]; !ok || got != 85 {
		t.Fatalf("ByAddress[112233445566] = %d, %v; want 85", got, ok)
	}
	if got, ok := part.ByName["soundcorelifep2"]; !ok || got != 85 {
		t.Fatalf("ByName[soundcorelifep2] = %d, %v; want 85", got, ok)
	}
	// The earbud entry has no combined reading, only sides.
	if _, ok := part.ByAddress["aabbccddeeff"]; ok {
		t.Fatalf("earbud entry leaked a combined reading")
	}
}

func TestProfilerCollectSides(t *testing.T) {
	r := seededProfiler(t)
	sides := r.CollectSides(context.Background())

	state, ok := sides["aidansairpodspro"]
	if !ok {
		t.Fatalf("CollectSides() missing aidansairpodspro")
	}
	if state.Left == nil || *state.Left != 70 || state.Right == nil || *state.Right != 64 {
		t.Fatalf("sides = %v/%v, want 70/64", state.Left, state.Right)
	}
	if state.Case == nil || *state.Case != 31 {
		t.Fatalf("case = %v, want 31", state.Case)
	}
	if _, ok := sides["soundcorelifep2"]; ok {
		t.Fatalf("speaker entry produced side data")
	}
}

func TestProfilerProductIDByAddress(t *testing.T) {
	r := seededProfiler(t)

	pair, ok := r.ProductIDByAddress("aabbccddeeff")
	if !ok || pair.Vendor != 0x05AC || pair.Product != 0x2014 {
		t.Fatalf("ProductIDByAddress() = %+v, %v", pair, ok)
	}
	if _, ok := r.ProductIDByAddress("112233445566"); ok {
		t.Fatalf("entry without IDs reported a pair")
	}
	if _, ok := r.ProductIDByAddress(""); ok {
		t.Fatalf("empty address reported a pair")
	}
}

func TestProfilerSoleAirPodsProduct(t *testing.T) {
	r := seededProfiler(t)
	pair, ok := r.SoleAirPodsProduct()
	if !ok || pair.Product != 0x2014 {
		t.Fatalf("SoleAirPodsProduct() = %+v, %v", pair, ok)
	}

	// A second AirPods-named entry makes the name-level match ambiguous.
	cfg := config.DefaultConfig()
	extra, err := parseProfilerReport([]byte(profilerFixture), cfg.Aliases)
	if err != nil {
		t.Fatalf("parseProfilerReport() error = %v", err)
	}
	extra = append(extra, ProfilerDevice{Name: "Kim's AirPods", HasIDs: true, Product: 0x200E})
	r.devices = extra
	if _, ok := r.SoleAirPodsProduct(); ok {
		t.Fatalf("SoleAirPodsProduct() guessed between two candidates")
	}
}

func TestProfilerAccessories(t *testing.T) {
	r := seededProfiler(t)
	accessories := r.Accessories(context.Background())
	if len(accessories) != 3 {
		t.Fatalf("Accessories() = %d entries, want 3", len(accessories))
	}
	found := false
	for _, a := range accessories {
		if a.Name == "Magic Trackpad" && a.Address == "22:33:44:55:66:77" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Accessories() missing trackpad entry: %v", accessories)
	}
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

// ProfilerReader spawns the host inventory tool and parses its Bluetooth
// section. The snapshot is cached for a short TTL so the classifier, the
// aggregator, and enumeration share one spawn per window instead of racing
// the tool.
type ProfilerReader struct {
	argv     []string
	timeout  time.Duration
	cacheTTL time.Duration
	aliases  config.AliasConfig
	log      *slog.Logger

	mu        sync.Mutex
	devices   []ProfilerDevice
	fetchedAt time.Time
}

// ProfilerDevice is one connected accessory entry from the snapshot,
// resolved through the alias lists into the fields the rest of the system
// consumes.
type ProfilerDevice struct {
	Name      string
	Address   string
	Battery   *int
	Left      *int
	Right     *int
	Case      *int
	Vendor    uint16
	Product   uint16
	HasIDs    bool
	MinorType string
}

func NewProfilerReader(cfg *config.Config, log *slog.Logger) *ProfilerReader {
	return &ProfilerReader{
		argv:     cfg.Sources.ProfilerCommand,
		timeout:  time.Duration(cfg.Sources.CommandTimeoutSeconds) * time.Second,
		cacheTTL: time.Duration(cfg.Sources.ProfilerCacheSeconds) * time.Second,
		aliases:  cfg.Aliases,
		log:      log,
	}
}

// Snapshot returns the connected-device entries, spawning the tool only when
// the cached snapshot has aged out.
func (r *ProfilerReader) Snapshot(ctx context.Context) []ProfilerDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.devices != nil && time.Since(r.fetchedAt) < r.cacheTTL {
		return r.devices
	}

	out, err := runCommand(ctx, r.timeout, r.argv)
	if err != nil {
		r.log.Debug("profiler unavailable", "err", err)
		return r.devices
	}
	devices, err := parseProfilerReport(out, r.aliases)
	if err != nil {
		r.log.Debug("profiler output unusable", "err", err)
		return r.devices
	}

	r.devices = devices
	r.fetchedAt = time.Now()
	return r.devices
}

// Invalidate drops the cached snapshot so the next read spawns the tool.
// The tracker calls this on connection changes.
func (r *ProfilerReader) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchedAt = time.Time{}
	r.devices = nil
}

// Collect returns combined-battery evidence from the snapshot, keyed by
// address and name.
func (r *ProfilerReader) Collect(ctx context.Context) evidence.Partial {
	part := evidence.NewPartial()
	for _, dev := range r.Snapshot(ctx) {
		if dev.Battery == nil {
			continue
		}
		part.ObserveAddress(normalize.Address(dev.Address), *dev.Battery)
		part.ObserveName(normalize.Name(dev.Name), *dev.Battery)
	}
	return part
}

// CollectSides returns per-side evidence from the snapshot, keyed by
// normalized name.
func (r *ProfilerReader) CollectSides(ctx context.Context) map[string]evidence.SideState {
	sides := make(map[string]evidence.SideState)
	for _, dev := range r.Snapshot(ctx) {
		state := evidence.SideState{Left: dev.Left, Right: dev.Right, Case: dev.Case}
		if !state.HasData() {
			continue
		}
		sides[normalize.Name(dev.Name)] = state
	}
	return sides
}

// ProductIDByAddress implements classify.ProductSource against the cached
// snapshot: exact normalized-address matches only.
func (r *ProfilerReader) ProductIDByAddress(addrKey string) (classify.IDPair, bool) {
	if addrKey == "" {
		return classify.IDPair{}, false
	}
	for _, dev := range r.Snapshot(context.Background()) {
		if !dev.HasIDs || normalize.Address(dev.Address) != addrKey {
			continue
		}
		return classify.IDPair{Vendor: dev.Vendor, Product: dev.Product}, true
	}
	return classify.IDPair{}, false
}

// SoleAirPodsProduct returns the product pair of the single AirPods-named
// entry in the snapshot. With zero or several candidates nothing can be
// attributed safely and the lookup reports a miss.
func (r *ProfilerReader) SoleAirPodsProduct() (classify.IDPair, bool) {
	var (
		found classify.IDPair
		count int
	)
	for _, dev := range r.Snapshot(context.Background()) {
		if !strings.Contains(normalize.Name(dev.Name), "airpods") {
			continue
		}
		count++
		if dev.HasIDs {
			found = classify.IDPair{Vendor: dev.Vendor, Product: dev.Product}
		}
	}
	if count != 1 || (found == classify.IDPair{}) {
		return classify.IDPair{}, false
	}
	return found, true
}

// Accessories lists the connected entries for enumeration on hosts where the
// inventory tool is the only accessory channel.
func (r *ProfilerReader) Accessories(ctx context.Context) []ProfilerAccessory {
	devices := r.Snapshot(ctx)
	accessories := make([]ProfilerAccessory, 0, len(devices))
	for _, dev := range devices {
		accessories = append(accessories, ProfilerAccessory{
			Name:      dev.Name,
			Address:   dev.Address,
			MinorType: dev.MinorType,
		})
	}
	return accessories
}

// ProfilerAccessory summarizes one connected entry for enumeration.
type ProfilerAccessory struct {
	Name      string
	Address   string
	MinorType string
}

// profilerReport mirrors the inventory tool's JSON: one section per data
// type, each carrying an array of single-key dictionaries mapping a display
// name to an untyped payload.
type profilerReport struct {
	Sections []profilerSection `json:"SPBluetoothDataType"`
}

type profilerSection struct {
	Connected []map[string]map[string]interface{} `json:"device_connected"`
}

func parseProfilerReport(out []byte, aliases config.AliasConfig) ([]ProfilerDevice, error) {
	var report profilerReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("decode inventory report: %w", err)
	}

	var devices []ProfilerDevice
	for _, section := range report.Sections {
		for _, item := range section.Connected {
			for name, payload := range item {
				devices = append(devices, deviceFromPayload(name, payload, aliases))
			}
		}
	}
	return devices, nil
}

func deviceFromPayload(name string, payload map[string]interface{}, aliases config.AliasConfig) ProfilerDevice {
	dev := ProfilerDevice{Name: name}

	if addr, ok := firstString(payload, aliases.ProfilerAddressKeys); ok {
		dev.Address = addr
	}
	if pct, ok := profilerPercent(payload, aliases.ProfilerBatteryKeys); ok {
		dev.Battery = &pct
	}
	if pct, ok := firstPercent(payload, aliases.ProfilerLeftKeys); ok {
		dev.Left = &pct
	}
	if pct, ok := firstPercent(payload, aliases.ProfilerRightKeys); ok {
		dev.Right = &pct
	}
	if pct, ok := firstPercent(payload, aliases.ProfilerCaseKeys); ok {
		dev.Case = &pct
	}
	if s, ok := firstString(payload, aliases.ProfilerMinorTypeKeys); ok {
		dev.MinorType = s
	}
	if s, ok := firstString(payload, aliases.ProfilerProductKeys); ok {
		if product, ok := parseHexID(s); ok {
			dev.Product = product
			dev.HasIDs = true
		}
	}
	if s, ok := firstString(payload, aliases.ProfilerVendorKeys); ok {
		if vendor, ok := parseHexID(s); ok {
			dev.Vendor = vendor
		}
	}
	return dev
}

// profilerPercent tries the prioritized battery keys, then falls back to any
// key containing "battery", in sorted order for determinism. Side-specific
// keys are not combined readings and stay out of the fallback.
func profilerPercent(payload map[string]interface{}, keys []string) (int, bool) {
	if pct, ok := firstPercent(payload, keys); ok {
		return pct, true
	}
	for _, key := range sortedKeys(payload) {
		lk := strings.ToLower(key)
		if !strings.Contains(lk, "battery") {
			continue
		}
		if strings.Contains(lk, "left") || strings.Contains(lk, "right") || strings.Contains(lk, "case") {
			continue
		}
		if pct, ok := percentFromValue(payload[key]); ok {
			return pct, true
		}
	}
	return 0, false
}

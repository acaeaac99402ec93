package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"howett.net/plist"

	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

const (
	deviceCacheKey   = "DeviceCache"
	wirelessCacheKey = "CoreBluetoothCache"
)

// PrefReader decodes the Bluetooth suite preference store and hunts its
// untyped per-device payloads for battery, per-side, product-ID, and
// peripheral-identifier evidence. Every read decodes the file fresh: the
// store is the one source cheap enough to consult live during lookups.
type PrefReader struct {
	path    string
	aliases config.AliasConfig
	log     *slog.Logger
}

func NewPrefReader(cfg *config.Config, log *slog.Logger) *PrefReader {
	return &PrefReader{
		path:    cfg.Sources.PreferencePath,
		aliases: cfg.Aliases,
		log:     log,
	}
}

// load decodes the store into its raw dictionary form.
func (r *PrefReader) load() (map[string]interface{}, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	var root map[string]interface{}
	if _, err := plist.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode preference store: %w", err)
	}
	return root, nil
}

// deviceCache extracts the per-device entry map from a decoded store. Keys
// are device addresses; payloads are untyped dictionaries.
func deviceCache(root map[string]interface{}) map[string]map[string]interface{} {
	return entryMap(root, deviceCacheKey)
}

func entryMap(root map[string]interface{}, key string) map[string]map[string]interface{} {
	raw, ok := root[key].(map[string]interface{})
	if !ok {
		return nil
	}
	entries := make(map[string]map[string]interface{}, len(raw))
	for id, v := range raw {
		if payload, ok := v.(map[string]interface{}); ok {
			entries[id] = payload
		}
	}
	return entries
}

// Collect reads the store once and returns combined-battery evidence keyed
// by address and, when an entry names its device, by name.
func (r *PrefReader) Collect(ctx context.Context) evidence.Partial {
	part := evidence.NewPartial()
	root, err := r.load()
	if err != nil {
		r.log.Debug("preference store unavailable", "err", err)
		return part
	}
	for id, payload := range deviceCache(root) {
		pct, ok := r.entryPercent(payload)
		if !ok {
			continue
		}
		part.ObserveAddress(normalize.Address(id), pct)
		if name, ok := firstString(payload, r.aliases.NameKeys); ok {
			part.ObserveName(normalize.Name(name), pct)
		}
	}
	return part
}

// CollectSides reads the store once and returns per-side evidence keyed by
// normalized device name. Entries without a name cannot feed the side table
// and are skipped.
func (r *PrefReader) CollectSides(ctx context.Context) map[string]evidence.SideState {
	sides := make(map[string]evidence.SideState)
	root, err := r.load()
	if err != nil {
		r.log.Debug("preference store unavailable", "err", err)
		return sides
	}
	for _, payload := range deviceCache(root) {
		name, ok := firstString(payload, r.aliases.NameKeys)
		if !ok {
			continue
		}
		state, ok := r.entrySides(payload)
		if !ok {
			continue
		}
		sides[normalize.Name(name)] = state
	}
	return sides
}

// LiveLevel looks up one device's battery directly from the store, first by
// address, then by name. This backs the aggregator's lookup precedence
// without waiting for the next full table rebuild.
func (r *PrefReader) LiveLevel(addrKey, nameKey string) (int, bool) {
	root, err := r.load()
	if err != nil {
		return 0, false
	}
	cache := deviceCache(root)
	if addrKey != "" {
		for id, payload := range cache {
			if normalize.Address(id) != addrKey {
				continue
			}
			if pct, ok := r.entryPercent(payload); ok {
				return pct, true
			}
		}
	}
	if nameKey != "" {
		for _, payload := range cache {
			name, ok := firstString(payload, r.aliases.NameKeys)
			if !ok || normalize.Name(name) != nameKey {
				continue
			}
			if pct, ok := r.entryPercent(payload); ok {
				return pct, true
			}
		}
	}
	return 0, false
}

// CachedProduct resolves a vendor/product pair for the classifier, matching
// the device-cache entry by address and falling back to the secondary
// wireless cache, whose entries reference the address or serial identifiers.
func (r *PrefReader) CachedProduct(addrKey string) (classify.IDPair, bool) {
	root, err := r.load()
	if err != nil || addrKey == "" {
		return classify.IDPair{}, false
	}
	for id, payload := range deviceCache(root) {
		if normalize.Address(id) != addrKey {
			continue
		}
		if pair, ok := r.entryProduct(payload); ok {
			return pair, true
		}
	}
	for _, payload := range entryMap(root, wirelessCacheKey) {
		if !r.entryMatchesAddress(payload, addrKey) {
			continue
		}
		if pair, ok := r.entryProduct(payload); ok {
			return pair, true
		}
	}
	return classify.IDPair{}, false
}

// PeripheralID resolves the short-range peripheral identifier the wireless
// reader needs, by scanning the wireless cache for an entry referencing the
// device address.
func (r *PrefReader) PeripheralID(addrKey string) (string, bool) {
	root, err := r.load()
	if err != nil || addrKey == "" {
		return "", false
	}
	for id, payload := range entryMap(root, wirelessCacheKey) {
		if r.entryMatchesAddress(payload, addrKey) {
			return id, true
		}
	}
	return "", false
}

func (r *PrefReader) entryMatchesAddress(payload map[string]interface{}, addrKey string) bool {
	for _, key := range []string{"DeviceAddress", "Address", "SerialNumber"} {
		if s, ok := payload[key].(string); ok && normalize.Address(s) == addrKey {
			return true
		}
	}
	return false
}

func (r *PrefReader) entryProduct(payload map[string]interface{}) (classify.IDPair, bool) {
	product, ok := firstPercentless(payload, r.aliases.ProductKeys)
	if !ok {
		return classify.IDPair{}, false
	}
	vendor, _ := firstPercentless(payload, r.aliases.VendorKeys)
	return classify.IDPair{Vendor: vendor, Product: product}, true
}

// firstPercentless reads a 16-bit numeric ID from the first present alias
// key; IDs arrive as plist integers or hex strings.
func firstPercentless(payload map[string]interface{}, keys []string) (uint16, bool) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case int:
			return uint16(val), true
		case int64:
			return uint16(val), true
		case uint64:
			return uint16(val), true
		case string:
			if id, ok := parseHexID(val); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func (r *PrefReader) entryPercent(payload map[string]interface{}) (int, bool) {
	return firstPercent(payload, r.aliases.BatteryKeys)
}

// entrySides hunts one entry for left/right/case percents and per-side
// connected flags: the alias lists first, then a substring scan over the
// remaining keys for payloads whose key names drifted across host versions.
func (r *PrefReader) entrySides(payload map[string]interface{}) (evidence.SideState, bool) {
	var state evidence.SideState

	if pct, ok := r.sidePercent(payload, r.aliases.LeftKeys, "left"); ok {
		state.Left = &pct
	}
	if pct, ok := r.sidePercent(payload, r.aliases.RightKeys, "right"); ok {
		state.Right = &pct
	}
	if pct, ok := r.sidePercent(payload, r.aliases.CaseKeys, "case"); ok {
		state.Case = &pct
	}
	if flag, ok := r.sideFlag(payload, r.aliases.LeftConnectedKeys, "left"); ok {
		state.LeftConnected = &flag
	}
	if flag, ok := r.sideFlag(payload, r.aliases.RightConnectedKeys, "right"); ok {
		state.RightConnected = &flag
	}

	return state, state.HasData()
}

func (r *PrefReader) sidePercent(payload map[string]interface{}, aliases []string, side string) (int, bool) {
	if pct, ok := firstPercent(payload, aliases); ok {
		return pct, true
	}
	return scanSidePercent(payload, side)
}

func (r *PrefReader) sideFlag(payload map[string]interface{}, aliases []string, side string) (bool, bool) {
	if flag, ok := firstBool(payload, aliases); ok {
		return flag, true
	}
	return scanSideFlag(payload, side)
}

// scanSidePercent is the fallback substring scan: any key mentioning
// batt/percent/level together with the side name. Keys are visited in
// sorted order so the scan is deterministic.
func scanSidePercent(payload map[string]interface{}, side string) (int, bool) {
	for _, key := range sortedKeys(payload) {
		lk := strings.ToLower(key)
		if !strings.Contains(lk, side) {
			continue
		}
		if !strings.Contains(lk, "batt") && !strings.Contains(lk, "percent") && !strings.Contains(lk, "level") {
			continue
		}
		if pct, ok := percentFromValue(payload[key]); ok {
			return pct, true
		}
	}
	return 0, false
}

// scanSideFlag is the analogous fallback for connected/in-ear/worn flags.
func scanSideFlag(payload map[string]interface{}, side string) (bool, bool) {
	for _, key := range sortedKeys(payload) {
		lk := strings.ToLower(key)
		if !strings.Contains(lk, side) {
			continue
		}
		if !strings.Contains(lk, "connect") && !strings.Contains(lk, "ear") && !strings.Contains(lk, "worn") {
			continue
		}
		if flag, ok := boolFromValue(payload[key]); ok {
			return flag, true
		}
	}
	return false, false
}

func sortedKeys(payload map[string]interface{}) []string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

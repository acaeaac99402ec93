package source

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"atoll/internal/config"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

// sysfsRoot is swappable in tests.
var sysfsRoot = "/sys"

// RegistryReader enumerates the host's HID-style device registry for
// per-entry battery properties. On Darwin that is an ioreg spawn over the
// configured service class; on Linux it is the power_supply tree for
// hid-backed supplies. Both surface the same property-key vocabulary so one
// alias configuration drives both.
type RegistryReader struct {
	class          string
	batteryKey     string
	identifierKeys []string
	nameKeys       []string
	timeout        time.Duration
	log            *slog.Logger
}

func NewRegistryReader(cfg *config.Config, log *slog.Logger) *RegistryReader {
	return &RegistryReader{
		class:          cfg.Sources.RegistryClass,
		batteryKey:     cfg.Aliases.RegistryBatteryKey,
		identifierKeys: cfg.Aliases.RegistryIdentifierKeys,
		nameKeys:       cfg.Aliases.RegistryNameKeys,
		timeout:        time.Duration(cfg.Sources.CommandTimeoutSeconds) * time.Second,
		log:            log,
	}
}

// Collect scans the registry and merges each entry's battery percent under
// the first present identifier key and the first present name key.
func (r *RegistryReader) Collect(ctx context.Context) evidence.Partial {
	part := evidence.NewPartial()

	entries, err := r.scan(ctx)
	if err != nil {
		r.log.Debug("registry unavailable", "err", err)
		return part
	}

	for _, entry := range entries {
		raw, ok := entry[r.batteryKey]
		if !ok {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if id, ok := firstEntryValue(entry, r.identifierKeys); ok {
			part.ObserveAddress(normalize.Address(id), pct)
		}
		if name, ok := firstEntryValue(entry, r.nameKeys); ok {
			part.ObserveName(normalize.Name(name), pct)
		}
	}
	return part
}

func (r *RegistryReader) scan(ctx context.Context) ([]map[string]string, error) {
	if runtime.GOOS == "darwin" {
		out, err := runCommand(ctx, r.timeout, []string{"ioreg", "-r", "-l", "-c", r.class})
		if err != nil {
			return nil, err
		}
		return parseRegistryDump(string(out)), nil
	}
	return scanPowerSupply(sysfsRoot)
}

func firstEntryValue(entry map[string]string, keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := entry[key]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// parseRegistryDump splits an ioreg dump into per-object entries. Objects
// begin at "+-o" tree nodes; inside each, properties print as
// "Key" = Value with strings quoted.
func parseRegistryDump(out string) []map[string]string {
	var entries []map[string]string
	var current map[string]string

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "+-o ") {
			if len(current) > 0 {
				entries = append(entries, current)
			}
			current = make(map[string]string)
			continue
		}
		trimmed := strings.TrimLeft(line, " |")
		if !strings.Contains(trimmed, " = ") {
			continue
		}
		parts := strings.SplitN(trimmed, " = ", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(parts[0]), `"`)
		value := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if key == "" {
			continue
		}
		if current == nil {
			current = make(map[string]string)
		}
		current[key] = value
	}
	if len(current) > 0 {
		entries = append(entries, current)
	}
	return entries
}

// scanPowerSupply reads hid-backed power supplies from the sysfs tree and
// translates them into the registry property vocabulary: capacity becomes
// BatteryPercent, the address embedded in the supply name becomes
// DeviceAddress, and the reported model becomes Product.
func scanPowerSupply(root string) ([]map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "class/power_supply/hid-*"))
	if err != nil {
		return nil, err
	}

	var entries []map[string]string
	for _, dir := range matches {
		data, err := os.ReadFile(filepath.Join(dir, "uevent"))
		if err != nil {
			continue
		}
		props := parseUevent(string(data))
		capacity, ok := props["POWER_SUPPLY_CAPACITY"]
		if !ok {
			continue
		}

		entry := map[string]string{"BatteryPercent": capacity}
		if addr := addressFromSupplyName(filepath.Base(dir)); addr != "" {
			entry["DeviceAddress"] = addr
		}
		if model, ok := props["POWER_SUPPLY_MODEL_NAME"]; ok {
			entry["Product"] = model
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseUevent(data string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			props[k] = v
		}
	}
	return props
}

// addressFromSupplyName extracts the device address from supply directory
// names shaped like hid-aa:bb:cc:dd:ee:ff-battery.
func addressFromSupplyName(name string) string {
	trimmed := strings.TrimPrefix(name, "hid-")
	trimmed = strings.TrimSuffix(trimmed, "-battery")
	if strings.Count(trimmed, ":") != 5 {
		return ""
	}
	return trimmed
}

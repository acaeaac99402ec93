// Package config loads and validates the daemon configuration.
//
// The preference-cache and profiler key-alias lists live here as data
// rather than as constants: the key names are reverse engineered, and host
// versions rename or extend them, so deployments can override the lists
// without a rebuild.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	minRefreshSeconds    = 5
	maxRefreshSeconds    = 600
	minPollSeconds       = 1
	maxPollSeconds       = 60
	minCooldownSeconds   = 1
	maxCooldownSeconds   = 300
	minWaitMS            = 100
	maxWaitMS            = 30000
	minBatchSeconds      = 1
	maxBatchSeconds      = 60
	minCommandSeconds    = 1
	maxCommandSeconds    = 120
	minActivities        = 1
	maxActivities        = 64
	minWidgetsPerClient  = 1
	maxWidgetsPerClient  = 32
	minRatePerMinute     = 1
	maxRatePerMinute     = 6000
	minPayloadBytes      = 64
	maxPayloadBytes      = 1 << 20
	minActivityTTLMins   = 1
	maxActivityTTLMins   = 24 * 60
	minThresholdPercent  = 1
	maxThresholdPercent  = 99
	minNotifCooldownMins = 1
	maxNotifCooldownMins = 120
)

type Config struct {
	Sources       SourcesConfig       `toml:"sources"`
	Aliases       AliasConfig         `toml:"aliases"`
	Aggregator    AggregatorConfig    `toml:"aggregator"`
	Tracker       TrackerConfig       `toml:"tracker"`
	Wireless      WirelessConfig      `toml:"wireless"`
	Display       DisplayConfig       `toml:"display"`
	Notifications NotificationsConfig `toml:"notifications"`
	History       HistoryConfig       `toml:"history"`
	Extensions    ExtensionsConfig    `toml:"extensions"`
	Logging       LoggingConfig       `toml:"logging"`
}

type SourcesConfig struct {
	// ProfilerCommand is the argv of the inventory tool that prints
	// Bluetooth data as JSON.
	ProfilerCommand []string `toml:"profiler_command"`
	// PowerCommand is the argv of the tool that prints accessory battery
	// status as free text.
	PowerCommand []string `toml:"power_command"`
	// PreferencePath is the Bluetooth suite preference store.
	PreferencePath string `toml:"preference_path"`
	// RegistryClass is the registry service class enumerated for
	// per-entry battery properties.
	RegistryClass         string `toml:"registry_class"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
	ProfilerCacheSeconds  int    `toml:"profiler_cache_seconds"`
}

// AliasConfig holds the ordered candidate-key lists tried against untyped
// cache payloads. Order is part of the contract: first match wins.
type AliasConfig struct {
	BatteryKeys        []string `toml:"battery_keys"`
	NameKeys           []string `toml:"name_keys"`
	LeftKeys           []string `toml:"left_keys"`
	RightKeys          []string `toml:"right_keys"`
	CaseKeys           []string `toml:"case_keys"`
	LeftConnectedKeys  []string `toml:"left_connected_keys"`
	RightConnectedKeys []string `toml:"right_connected_keys"`
	VendorKeys         []string `toml:"vendor_keys"`
	ProductKeys        []string `toml:"product_keys"`

	ProfilerBatteryKeys   []string `toml:"profiler_battery_keys"`
	ProfilerAddressKeys   []string `toml:"profiler_address_keys"`
	ProfilerLeftKeys      []string `toml:"profiler_left_keys"`
	ProfilerRightKeys     []string `toml:"profiler_right_keys"`
	ProfilerCaseKeys      []string `toml:"profiler_case_keys"`
	ProfilerVendorKeys    []string `toml:"profiler_vendor_keys"`
	ProfilerProductKeys   []string `toml:"profiler_product_keys"`
	ProfilerMinorTypeKeys []string `toml:"profiler_minor_type_keys"`

	RegistryBatteryKey     string   `toml:"registry_battery_key"`
	RegistryIdentifierKeys []string `toml:"registry_identifier_keys"`
	RegistryNameKeys       []string `toml:"registry_name_keys"`
}

type AggregatorConfig struct {
	RefreshSeconds            int `toml:"refresh_seconds"`
	EscalationCooldownSeconds int `toml:"escalation_cooldown_seconds"`
	WaitTimeoutMS             int `toml:"wait_timeout_ms"`
	WaitPollMS                int `toml:"wait_poll_ms"`
}

type TrackerConfig struct {
	PollSeconds int `toml:"poll_seconds"`
}

type WirelessConfig struct {
	Enabled             bool `toml:"enabled"`
	BatchTimeoutSeconds int  `toml:"batch_timeout_seconds"`
	// Advertisements enables the proximity-advertisement side-evidence
	// scanner where the host radio supports it.
	Advertisements bool `toml:"advertisements"`
	// AccessoryProtocol enables the direct accessory-protocol battery
	// reader where the host supports raw L2CAP.
	AccessoryProtocol bool `toml:"accessory_protocol"`
	// DeviceKeys carries per-device advertisement decryption keys.
	DeviceKeys []DeviceKey `toml:"device_keys"`
}

type DeviceKey struct {
	Address string `toml:"address"`
	// Key is the 16-byte advertisement encryption key, hex encoded.
	Key string `toml:"key"`
}

type DisplayConfig struct {
	// ShowCase appends a separate case display item when a case reading
	// exists.
	ShowCase bool `toml:"show_case"`
}

type NotificationsConfig struct {
	Enabled bool `toml:"enabled"`
	// Command overrides the platform notifier argv; the device name and
	// battery text are appended.
	Command           []string `toml:"command"`
	LowThreshold      int      `toml:"low_threshold"`
	CriticalThreshold int      `toml:"critical_threshold"`
	CooldownMinutes   int      `toml:"cooldown_minutes"`
	ConnectionNotices bool     `toml:"connection_notices"`
	LevelNotices      bool     `toml:"level_notices"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled"`
	// DBPath is resolved to the user data directory when empty.
	DBPath        string `toml:"db_path"`
	RetentionDays int    `toml:"retention_days"`
}

type ExtensionsConfig struct {
	Enabled bool `toml:"enabled"`
	// SocketPath is resolved to the user runtime directory when empty.
	SocketPath string `toml:"socket_path"`
	// Token gates mutating extension calls when non-empty.
	Token               string `toml:"token"`
	MaxActivities       int    `toml:"max_activities"`
	MaxWidgetsPerClient int    `toml:"max_widgets_per_client"`
	RatePerMinute       int    `toml:"rate_per_minute"`
	MaxPayloadBytes     int    `toml:"max_payload_bytes"`
	ActivityTTLMinutes  int    `toml:"activity_ttl_minutes"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	// Topics filters log output to the named topics; empty means all.
	Topics []string `toml:"topics"`
}

func DefaultConfig() *Config {
	return &Config{
		Sources: SourcesConfig{
			ProfilerCommand:       []string{"system_profiler", "SPBluetoothDataType", "-json"},
			PowerCommand:          []string{"pmset", "-g", "accps"},
			PreferencePath:        "/Library/Preferences/com.apple.Bluetooth.plist",
			RegistryClass:         "AppleDeviceManagementHIDEventService",
			CommandTimeoutSeconds: 10,
			ProfilerCacheSeconds:  8,
		},
		Aliases: AliasConfig{
			BatteryKeys: []string{
				"BatteryPercent",
				"BatteryPercentCombined",
				"BatteryPercentSingle",
				"BatteryPercentage",
				"BatteryLevel",
			},
			NameKeys:           []string{"Name", "DisplayName"},
			LeftKeys:           []string{"BatteryPercentLeft", "LeftBatteryLevel"},
			RightKeys:          []string{"BatteryPercentRight", "RightBatteryLevel"},
			CaseKeys:           []string{"BatteryPercentCase", "CaseBatteryLevel"},
			LeftConnectedKeys:  []string{"LeftInEar", "IsLeftInEar", "LeftConnected"},
			RightConnectedKeys: []string{"RightInEar", "IsRightInEar", "RightConnected"},
			VendorKeys:         []string{"VendorID", "vendorID"},
			ProductKeys:        []string{"ProductID", "productID"},
			ProfilerBatteryKeys: []string{
				"device_batteryLevelMain",
				"device_batteryLevel",
				"device_batteryPercentCombined",
				"device_batteryPercentSingle",
			},
			ProfilerAddressKeys:   []string{"device_address", "device_addr"},
			ProfilerLeftKeys:      []string{"device_batteryLevelLeft", "device_batteryPercentLeft"},
			ProfilerRightKeys:     []string{"device_batteryLevelRight", "device_batteryPercentRight"},
			ProfilerCaseKeys:      []string{"device_batteryLevelCase", "device_batteryPercentCase"},
			ProfilerVendorKeys:    []string{"device_vendorID"},
			ProfilerProductKeys:   []string{"device_productID"},
			ProfilerMinorTypeKeys: []string{"device_minorType"},
			RegistryBatteryKey:    "BatteryPercent",
			RegistryIdentifierKeys: []string{
				"DeviceAddress",
				"SerialNumber",
			},
			RegistryNameKeys: []string{"Product", "ProductName"},
		},
		Aggregator: AggregatorConfig{
			RefreshSeconds:            20,
			EscalationCooldownSeconds: 5,
			WaitTimeoutMS:             1800,
			WaitPollMS:                300,
		},
		Tracker: TrackerConfig{
			PollSeconds: 3,
		},
		Wireless: WirelessConfig{
			Enabled:             true,
			BatchTimeoutSeconds: 6,
			Advertisements:      false,
			AccessoryProtocol:   false,
		},
		Display: DisplayConfig{
			ShowCase: true,
		},
		Notifications: NotificationsConfig{
			Enabled:           true,
			LowThreshold:      20,
			CriticalThreshold: 10,
			CooldownMinutes:   5,
			ConnectionNotices: true,
			LevelNotices:      true,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Extensions: ExtensionsConfig{
			Enabled:             true,
			MaxActivities:       5,
			MaxWidgetsPerClient: 3,
			RatePerMinute:       30,
			MaxPayloadBytes:     16384,
			ActivityTTLMinutes:  60,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

// LoadOrDefault reads the config at path, falling back to the defaults when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return NormalizeAndValidate(DefaultConfig())
	}
	return cfg, err
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	if len(sanitized.Sources.ProfilerCommand) == 0 {
		return nil, fmt.Errorf("sources.profiler_command must not be empty")
	}
	if len(sanitized.Sources.PowerCommand) == 0 {
		return nil, fmt.Errorf("sources.power_command must not be empty")
	}

	var err error
	sanitized.Sources.PreferencePath, err = sanitizePath("sources.preference_path", sanitized.Sources.PreferencePath)
	if err != nil {
		return nil, err
	}
	if sanitized.History.DBPath != "" {
		sanitized.History.DBPath, err = sanitizePath("history.db_path", sanitized.History.DBPath)
		if err != nil {
			return nil, err
		}
	}

	checks := []struct {
		name     string
		value    int
		min, max int
	}{
		{"sources.command_timeout_seconds", sanitized.Sources.CommandTimeoutSeconds, minCommandSeconds, maxCommandSeconds},
		{"sources.profiler_cache_seconds", sanitized.Sources.ProfilerCacheSeconds, 1, maxRefreshSeconds},
		{"aggregator.refresh_seconds", sanitized.Aggregator.RefreshSeconds, minRefreshSeconds, maxRefreshSeconds},
		{"aggregator.escalation_cooldown_seconds", sanitized.Aggregator.EscalationCooldownSeconds, minCooldownSeconds, maxCooldownSeconds},
		{"aggregator.wait_timeout_ms", sanitized.Aggregator.WaitTimeoutMS, minWaitMS, maxWaitMS},
		{"aggregator.wait_poll_ms", sanitized.Aggregator.WaitPollMS, minWaitMS, maxWaitMS},
		{"tracker.poll_seconds", sanitized.Tracker.PollSeconds, minPollSeconds, maxPollSeconds},
		{"wireless.batch_timeout_seconds", sanitized.Wireless.BatchTimeoutSeconds, minBatchSeconds, maxBatchSeconds},
		{"notifications.low_threshold", sanitized.Notifications.LowThreshold, minThresholdPercent, maxThresholdPercent},
		{"notifications.critical_threshold", sanitized.Notifications.CriticalThreshold, minThresholdPercent, maxThresholdPercent},
		{"notifications.cooldown_minutes", sanitized.Notifications.CooldownMinutes, minNotifCooldownMins, maxNotifCooldownMins},
		{"history.retention_days", sanitized.History.RetentionDays, 1, 3650},
		{"extensions.max_activities", sanitized.Extensions.MaxActivities, minActivities, maxActivities},
		{"extensions.max_widgets_per_client", sanitized.Extensions.MaxWidgetsPerClient, minWidgetsPerClient, maxWidgetsPerClient},
		{"extensions.rate_per_minute", sanitized.Extensions.RatePerMinute, minRatePerMinute, maxRatePerMinute},
		{"extensions.max_payload_bytes", sanitized.Extensions.MaxPayloadBytes, minPayloadBytes, maxPayloadBytes},
		{"extensions.activity_ttl_minutes", sanitized.Extensions.ActivityTTLMinutes, minActivityTTLMins, maxActivityTTLMins},
	}
	for _, c := range checks {
		if err := validateRange(c.name, c.value, c.min, c.max); err != nil {
			return nil, err
		}
	}

	if sanitized.Notifications.CriticalThreshold > sanitized.Notifications.LowThreshold {
		return nil, fmt.Errorf("notifications.critical_threshold must not exceed notifications.low_threshold")
	}
	if sanitized.Aggregator.WaitPollMS > sanitized.Aggregator.WaitTimeoutMS {
		return nil, fmt.Errorf("aggregator.wait_poll_ms must not exceed aggregator.wait_timeout_ms")
	}

	switch strings.ToLower(sanitized.Logging.Level) {
	case "debug", "info", "warn", "error":
		sanitized.Logging.Level = strings.ToLower(sanitized.Logging.Level)
	default:
		return nil, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", sanitized.Logging.Level)
	}

	for i, k := range sanitized.Wireless.DeviceKeys {
		if len(k.Key) != 32 {
			return nil, fmt.Errorf("wireless.device_keys[%d].key must be 32 hex characters", i)
		}
	}

	return &sanitized, nil
}

func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "atoll", "config.toml")
}

// DataPath resolves a file name under the per-user data directory.
func DataPath(name string) string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "atoll", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "atoll", name)
}

// RuntimeSocketPath resolves the default extension socket location.
func RuntimeSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "atoll.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("atoll-%d.sock", os.Getuid()))
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}

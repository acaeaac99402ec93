package source

import (
	"strconv"
	"strings"
)

// percentFromValue decodes the battery-percent encodings seen in host
// payloads: absolute integers, doubles (values strictly between 0 and 1 are
// fractions and scale by 100), and percent-suffixed strings.
func percentFromValue(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	case uint16:
		return int(val), true
	case uint64:
		return int(val), true
	case float32:
		return percentFromFloat(float64(val))
	case float64:
		return percentFromFloat(val)
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "%"))
		if s == "" {
			return 0, false
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return percentFromFloat(f)
		}
		return 0, false
	default:
		return 0, false
	}
}

func percentFromFloat(f float64) (int, bool) {
	if f > 0 && f < 1 {
		return int(f*100 + 0.5), true
	}
	return int(f), true
}

// boolFromValue decodes the flag encodings seen in host payloads.
func boolFromValue(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int:
		return val != 0, true
	case int64:
		return val != 0, true
	case uint64:
		return val != 0, true
	case float64:
		return val != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "1", "attrib_on":
			return true, true
		case "false", "no", "0", "attrib_off":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

func stringFromValue(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// parseHexID parses a 16-bit identifier printed as hex with an optional 0x
// prefix, the way inventory tools report vendor and product IDs.
func parseHexID(s string) (uint16, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

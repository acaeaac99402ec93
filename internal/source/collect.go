// Package source implements the independent battery-evidence collectors.
//
// Each collector reads one host channel (device registry, preference store,
// inventory tool, power tool) and produces a partial evidence set. Collectors
// fail soft: a missing tool, a permission error, or malformed output yields
// empty evidence and a debug log entry, and the remaining collectors still
// run. The aggregator owns merging and freshness.
package source

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// runCommand spawns argv under a timeout and returns its stdout. Callers may
// only parse after a zero exit status and non-empty output.
func runCommand(ctx context.Context, timeout time.Duration, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", argv[0], err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("run %s: empty output", argv[0])
	}
	return out, nil
}

// firstString returns the first alias key present in the payload with a
// non-empty string value. Alias order is part of the contract.
func firstString(payload map[string]interface{}, keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if s, ok := stringFromValue(v); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// firstPercent returns the first alias key present in the payload that
// decodes to a percent.
func firstPercent(payload map[string]interface{}, keys []string) (int, bool) {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if pct, ok := percentFromValue(v); ok {
				return pct, true
			}
		}
	}
	return 0, false
}

// firstBool returns the first alias key present in the payload that decodes
// to a boolean.
func firstBool(payload map[string]interface{}, keys []string) (bool, bool) {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if b, ok := boolFromValue(v); ok {
				return b, true
			}
		}
	}
	return false, false
}

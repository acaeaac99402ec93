package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"atoll/internal/config"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

// PowerReader spawns the host power-accessory-status tool and parses its
// free-text table into name-keyed evidence. It is the most expensive textual
// source and is also the aggregator's escalation target.
type PowerReader struct {
	argv    []string
	timeout time.Duration
	log     *slog.Logger
}

func NewPowerReader(cfg *config.Config, log *slog.Logger) *PowerReader {
	return &PowerReader{
		argv:    cfg.Sources.PowerCommand,
		timeout: time.Duration(cfg.Sources.CommandTimeoutSeconds) * time.Second,
		log:     log,
	}
}

// PowerEntry is one accessory line of the power tool's output.
type PowerEntry struct {
	Name  string
	Level int
}

// percentPattern matches the first NN% token on a status line.
var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// internalBatteryKey prefixes the normalized name of the host's own battery
// line, which is not accessory evidence.
const internalBatteryKey = "internalbattery"

// Collect runs the power tool and returns the name-keyed evidence it
// reported. Each surviving entry is registered under its full normalized
// name and, to tolerate possessive prefixes like an owner's name, under the
// alias keys starting at "airpods" and at "beats" within that name.
func (r *PowerReader) Collect(ctx context.Context) evidence.Partial {
	part := evidence.NewPartial()

	out, err := runCommand(ctx, r.timeout, r.argv)
	if err != nil {
		r.log.Debug("power tool unavailable", "err", err)
		return part
	}

	for _, entry := range ParsePowerOutput(decodeToolOutput(out)) {
		key := normalize.Name(entry.Name)
		if key == "" || strings.HasPrefix(key, internalBatteryKey) {
			continue
		}
		part.ObserveName(key, entry.Level)
		for _, alias := range nameAliases(key) {
			part.ObserveName(alias, entry.Level)
		}
	}
	return part
}

// ParsePowerOutput extracts (name, percent) pairs from the tool's text.
// Only lines beginning with "-" that carry an NN% token count; the name is
// the text before the percent with a trailing "(id=...)" tag stripped.
func ParsePowerOutput(text string) []PowerEntry {
	var entries []PowerEntry
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if entry, ok := parsePowerLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func parsePowerLine(line string) (PowerEntry, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "-") {
		return PowerEntry{}, false
	}

	loc := percentPattern.FindStringSubmatchIndex(trimmed)
	if loc == nil {
		return PowerEntry{}, false
	}
	level, err := strconv.Atoi(trimmed[loc[2]:loc[3]])
	if err != nil {
		return PowerEntry{}, false
	}

	name := strings.TrimSpace(strings.TrimPrefix(trimmed[:loc[0]], "-"))
	name = stripIDTag(name)
	if name == "" {
		return PowerEntry{}, false
	}
	return PowerEntry{Name: name, Level: level}, true
}

// stripIDTag removes a trailing "(id=...)" parenthetical from the name
// portion. Other parentheticals, like "(left)", are part of the name.
func stripIDTag(name string) string {
	i := strings.LastIndex(name, "(")
	if i < 0 || !strings.HasPrefix(name[i:], "(id=") {
		return name
	}
	return strings.TrimSpace(name[:i])
}

// nameAliases returns the extra keys an entry is registered under: the
// suffixes of the normalized name starting at "airpods" and at "beats".
func nameAliases(key string) []string {
	var aliases []string
	for _, marker := range []string{"airpods", "beats"} {
		if i := strings.Index(key, marker); i > 0 {
			aliases = append(aliases, key[i:])
		}
	}
	return aliases
}

// decodeToolOutput turns raw tool output into text. Host tools are not
// consistent about encodings: try a UTF-16 byte-order mark first, then
// UTF-8, then fall back to Latin-1 so no byte sequence is rejected.
func decodeToolOutput(raw []byte) string {
	if len(raw) >= 2 {
		if raw[0] == 0xFE && raw[1] == 0xFF {
			return decodeUTF16(raw[2:], binary.BigEndian)
		}
		if raw[0] == 0xFF && raw[1] == 0xFE {
			return decodeUTF16(raw[2:], binary.LittleEndian)
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

func decodeUTF16(raw []byte, order binary.ByteOrder) string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, order.Uint16(raw[i:]))
	}
	return string(utf16.Decode(units))
}

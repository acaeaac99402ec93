package source

import (
	"crypto/aes"
	"fmt"
	"strings"

	"atoll/internal/evidence"
)

// Proximity advertisement framing: one TLV inside Apple manufacturer data.
const (
	proximityMessageType = 0x07
	proximityPrefix      = 0x01
)

// ProximityReading is one decoded proximity pairing advertisement. Percent
// fields are nil when the frame marks them unknown. Unencrypted frames carry
// levels in 10-point steps; after MergeDecrypted the levels are exact.
type ProximityReading struct {
	Model uint16

	Left  *int
	Right *int
	Case  *int

	LeftCharging  bool
	RightCharging bool
	CaseCharging  bool

	LeftInEar  bool
	RightInEar bool
	LidOpen    bool

	Color     uint8
	ConnState uint8

	// Flipped is true when the right bud is the broadcasting primary. The
	// frame swaps per-side fields in that case; parsing undoes the swap so
	// Left and Right always mean the physical buds.
	Flipped bool

	Raw       []byte
	Decrypted []byte
}

// ParseProximity decodes a proximity pairing advertisement from Apple
// manufacturer data. The payload layout is
//
//	byte 0     prefix, always 0x01
//	bytes 1-2  model, big endian
//	byte 3     status: bit 5 primary-is-left, bit 6 broadcaster-in-case,
//	           bits 1 and 3 ear detection
//	byte 4     battery nibbles, primary in the high nibble
//	byte 5     charging bits in the high nibble, case level in the low
//	byte 7     color
//	byte 8     lid: bit 3 clear means open
//	byte 9     connection state
func ParseProximity(data []byte) (*ProximityReading, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("advertisement too short")
	}
	if data[0] != proximityMessageType {
		return nil, fmt.Errorf("not a proximity pairing message")
	}
	length := int(data[1])
	if len(data) < 2+length {
		return nil, fmt.Errorf("truncated advertisement")
	}
	payload := data[2 : 2+length]
	if len(payload) < 10 {
		return nil, fmt.Errorf("payload too short")
	}
	if payload[0] != proximityPrefix {
		return nil, fmt.Errorf("unexpected payload prefix 0x%02x", payload[0])
	}

	r := &ProximityReading{
		Model: uint16(payload[1])<<8 | uint16(payload[2]),
		Raw:   append([]byte(nil), payload...),
	}

	status := payload[3]
	primaryLeft := (status>>5)&0x01 == 1
	inCase := (status>>6)&0x01 == 1
	r.Flipped = !primaryLeft

	// Battery nibbles follow the primary bud, so a flipped frame stores the
	// right bud in the high nibble.
	batteryByte := payload[4]
	left := (batteryByte >> 4) & 0x0F
	right := batteryByte & 0x0F
	if r.Flipped {
		left, right = right, left
	}
	r.Left = decodeBatteryNibble(left)
	r.Right = decodeBatteryNibble(right)
	r.Case = decodeBatteryNibble(payload[5] & 0x0F)

	charging := payload[5]
	r.CaseCharging = (charging>>6)&0x01 != 0
	r.RightCharging = (charging>>5)&0x01 != 0
	r.LeftCharging = (charging>>4)&0x01 != 0
	if r.Flipped {
		r.LeftCharging, r.RightCharging = r.RightCharging, r.LeftCharging
	}

	// Ear bits swap on primary XOR in-case, not on the flip alone.
	r.LeftInEar = status&0x08 != 0
	r.RightInEar = status&0x02 != 0
	if primaryLeft != inCase {
		r.LeftInEar, r.RightInEar = r.RightInEar, r.LeftInEar
	}

	if len(payload) > 7 {
		r.Color = payload[7]
	}
	if len(payload) > 8 {
		r.LidOpen = (payload[8]>>3)&0x01 == 0
	}
	if len(payload) > 9 {
		r.ConnState = payload[9]
	}
	return r, nil
}

// decodeBatteryNibble maps the 4-bit advertised level. Values through 0x9
// are tens of percent, 0xA through 0xE saturate at 100, and 0xF means the
// level is unknown.
func decodeBatteryNibble(nibble byte) *int {
	switch {
	case nibble <= 0x9:
		v := int(nibble) * 10
		return &v
	case nibble <= 0xE:
		v := 100
		return &v
	default:
		return nil
	}
}

// DecryptProximity decrypts the trailing 16-byte block of a proximity
// advertisement with the per-device key. A single AES block with no IV, so
// plain ECB. A wrong key still decrypts; the result is validated against the
// fixed plaintext markers (high nibble of byte 0 zero, byte 4 equal to 0x2D)
// before it is accepted.
func DecryptProximity(encrypted, key []byte) ([]byte, error) {
	if len(encrypted) != 16 {
		return nil, fmt.Errorf("encrypted block must be 16 bytes, got %d", len(encrypted))
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	decrypted := make([]byte, 16)
	block.Decrypt(decrypted, encrypted)

	if decrypted[0]&0xF0 != 0 || decrypted[4] != 0x2D {
		return nil, fmt.Errorf("decrypted block failed validation, wrong key")
	}
	return decrypted, nil
}

// MergeDecrypted replaces the coarse advertised levels with the exact ones
// from a decrypted block. Bytes 1 and 2 hold the two bud levels in primary
// order, byte 3 the case, each with bit 7 as the charging flag. Levels over
// 100 are treated as absent.
func (r *ProximityReading) MergeDecrypted(decrypted []byte) error {
	if len(decrypted) != 16 {
		return fmt.Errorf("decrypted block must be 16 bytes, got %d", len(decrypted))
	}
	r.Decrypted = append([]byte(nil), decrypted...)

	first, firstCharging := decodeExactLevel(decrypted[1])
	second, secondCharging := decodeExactLevel(decrypted[2])
	caseLevel, caseCharging := decodeExactLevel(decrypted[3])

	if r.Flipped {
		first, second = second, first
		firstCharging, secondCharging = secondCharging, firstCharging
	}
	r.Left, r.Right = first, second
	r.LeftCharging, r.RightCharging = firstCharging, secondCharging

	if caseLevel != nil {
		r.Case = caseLevel
		r.CaseCharging = caseCharging
	} else {
		r.Case = nil
	}
	return nil
}

func decodeExactLevel(b byte) (*int, bool) {
	level := int(b & 0x7F)
	charging := b&0x80 != 0
	if level > 100 {
		return nil, charging
	}
	return &level, charging
}

// SideState converts the reading into side evidence. Ear detection doubles
// as the per-side connected flag.
func (r *ProximityReading) SideState() evidence.SideState {
	s := evidence.SideState{
		Left:  r.Left,
		Right: r.Right,
		Case:  r.Case,
	}
	leftIn, rightIn := r.LeftInEar, r.RightInEar
	s.LeftConnected = &leftIn
	s.RightConnected = &rightIn
	leftCh, rightCh, caseCh := r.LeftCharging, r.RightCharging, r.CaseCharging
	s.LeftCharging = &leftCh
	s.RightCharging = &rightCh
	s.CaseCharging = &caseCh
	return s
}

// Exact reports whether the levels came from a decrypted block.
func (r *ProximityReading) Exact() bool {
	return r.Decrypted != nil
}

// String renders the reading for the debug scanner.
func (r *ProximityReading) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model 0x%04X", r.Model)
	if r.Exact() {
		b.WriteString(" (exact)")
	}
	b.WriteString("\n  left:  ")
	writeSide(&b, r.Left, r.LeftCharging, r.LeftInEar)
	b.WriteString("\n  right: ")
	writeSide(&b, r.Right, r.RightCharging, r.RightInEar)
	b.WriteString("\n  case:  ")
	writeSide(&b, r.Case, r.CaseCharging, false)
	if r.LidOpen {
		b.WriteString("\n  lid:   open")
	} else {
		b.WriteString("\n  lid:   closed")
	}
	if r.Flipped {
		b.WriteString("\n  primary: right")
	} else {
		b.WriteString("\n  primary: left")
	}
	fmt.Fprintf(&b, "\n  raw: % x", r.Raw)
	return b.String()
}

func writeSide(b *strings.Builder, level *int, charging, inEar bool) {
	if level == nil {
		b.WriteString("unknown")
		return
	}
	fmt.Fprintf(b, "%d%%", *level)
	if charging {
		b.WriteString(" charging")
	}
	if inEar {
		b.WriteString(" in ear")
	}
}

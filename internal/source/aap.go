package source

import (
	"context"
	"fmt"

	"atoll/internal/evidence"
)

// Accessory protocol framing. The buds speak a proprietary protocol over
// L2CAP PSM 0x1001; after a handshake they stream notification packets. The
// packet layouts below come from protocol captures.
const accessoryPSM = 0x1001

var (
	accessoryHandshake = [16]byte{0x00, 0x00, 0x04, 0x00, 0x01, 0x00, 0x02, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	accessoryBatteryRequest = [10]byte{0x04, 0x00, 0x04, 0x00, 0x0F, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	accessoryFeatureEnable  = [14]byte{0x04, 0x00, 0x04, 0x00, 0x4D, 0x00, 0xFF, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	accessoryKeyRequest = [8]byte{0x04, 0x00, 0x04, 0x00, 0x30, 0x00, 0x05, 0x00}
)

// Battery notification components.
const (
	componentRight = 0x02
	componentLeft  = 0x04
	componentCase  = 0x08

	statusCharging = 0x01
)

// IsAccessoryBattery reports whether the packet is a battery notification,
// identified by the header 04 00 04 00 04 00.
func IsAccessoryBattery(packet []byte) bool {
	return len(packet) >= 7 &&
		packet[0] == 0x04 && packet[1] == 0x00 &&
		packet[2] == 0x04 && packet[3] == 0x00 &&
		packet[4] == 0x04 && packet[5] == 0x00
}

// ParseAccessoryBattery decodes a battery notification into side evidence.
// After the header, byte 6 counts 5-byte tuples of the form
//
//	component 01 level status 01
//
// with component 2 the right bud, 4 the left, 8 the case, and status 1
// meaning charging. Unknown components are skipped.
func ParseAccessoryBattery(packet []byte) (evidence.SideState, error) {
	var state evidence.SideState
	if !IsAccessoryBattery(packet) {
		return state, fmt.Errorf("not a battery notification")
	}

	count := int(packet[6])
	offset := 7
	for i := 0; i < count; i++ {
		if offset+5 > len(packet) {
			return state, fmt.Errorf("battery tuple %d truncated", i)
		}
		level := int(packet[offset+2])
		charging := packet[offset+3] == statusCharging
		switch packet[offset] {
		case componentLeft:
			state.Left = &level
			state.LeftCharging = &charging
		case componentRight:
			state.Right = &level
			state.RightCharging = &charging
		case componentCase:
			state.Case = &level
			state.CaseCharging = &charging
		}
		offset += 5
	}
	return state, nil
}

// AccessoryKeyType identifies a pairing key carried in a key response.
type AccessoryKeyType uint8

const (
	KeyIdentity   AccessoryKeyType = 0x01
	KeyEncryption AccessoryKeyType = 0x04
)

func (k AccessoryKeyType) String() string {
	switch k {
	case KeyIdentity:
		return "identity"
	case KeyEncryption:
		return "encryption"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(k))
	}
}

// AccessoryKey is one key from a key response. The encryption key unlocks
// exact levels in proximity advertisements.
type AccessoryKey struct {
	Type AccessoryKeyType
	Data []byte
}

// IsAccessoryKeyPacket reports whether the packet carries pairing keys,
// identified by the 0x31 marker at byte 4.
func IsAccessoryKeyPacket(packet []byte) bool {
	return len(packet) >= 7 && packet[4] == 0x31
}

// ParseAccessoryKeys decodes a key response. Byte 6 counts keys; each key is
// a 4-byte header of type, unknown, length, unknown, followed by the key
// bytes.
func ParseAccessoryKeys(packet []byte) ([]AccessoryKey, error) {
	if !IsAccessoryKeyPacket(packet) {
		return nil, fmt.Errorf("not a key response")
	}
	count := int(packet[6])
	if count == 0 {
		return nil, fmt.Errorf("key response with zero keys")
	}
	if count > 10 {
		return nil, fmt.Errorf("implausible key count %d", count)
	}

	keys := make([]AccessoryKey, 0, count)
	offset := 7
	for i := 0; i < count; i++ {
		if offset+4 > len(packet) {
			return nil, fmt.Errorf("key %d header truncated", i)
		}
		keyType := AccessoryKeyType(packet[offset])
		keyLen := int(packet[offset+2])
		offset += 4
		if offset+keyLen > len(packet) {
			return nil, fmt.Errorf("key %d data truncated", i)
		}
		keys = append(keys, AccessoryKey{
			Type: keyType,
			Data: append([]byte(nil), packet[offset:offset+keyLen]...),
		})
		offset += keyLen
	}
	return keys, nil
}

// EncryptionKeyOf returns the encryption key data, or nil when absent.
func EncryptionKeyOf(keys []AccessoryKey) []byte {
	for _, k := range keys {
		if k.Type == KeyEncryption {
			return k.Data
		}
	}
	return nil
}

// FetchAccessoryBattery connects to the accessory, performs the handshake,
// and waits for the first battery notification. Closing the socket on
// context expiry unblocks the reader.
func FetchAccessoryBattery(ctx context.Context, addr string) (evidence.SideState, error) {
	client := NewAccessoryClient(addr)
	if err := client.Dial(); err != nil {
		return evidence.SideState{}, err
	}
	defer client.Close()

	if err := client.Handshake(); err != nil {
		return evidence.SideState{}, err
	}
	if err := client.RequestBattery(); err != nil {
		return evidence.SideState{}, err
	}

	type reply struct {
		state evidence.SideState
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		for {
			packet, err := client.ReadPacket()
			if err != nil {
				done <- reply{err: err}
				return
			}
			if !IsAccessoryBattery(packet) {
				continue
			}
			state, err := ParseAccessoryBattery(packet)
			done <- reply{state: state, err: err}
			return
		}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return evidence.SideState{}, ctx.Err()
	case r := <-done:
		return r.state, r.err
	}
}

// FetchAccessoryKeys retrieves the pairing keys from a connected accessory.
// The returned encryption key can be stored in the configuration to unlock
// exact advertisement levels.
func FetchAccessoryKeys(ctx context.Context, addr string) ([]AccessoryKey, error) {
	client := NewAccessoryClient(addr)
	if err := client.Dial(); err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Handshake(); err != nil {
		return nil, err
	}
	// Some firmware only answers the key request after features are enabled.
	if err := client.EnableFeatures(); err != nil {
		return nil, err
	}
	if err := client.RequestKeys(); err != nil {
		return nil, err
	}

	type reply struct {
		keys []AccessoryKey
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		for {
			packet, err := client.ReadPacket()
			if err != nil {
				done <- reply{err: err}
				return
			}
			if !IsAccessoryKeyPacket(packet) {
				continue
			}
			keys, err := ParseAccessoryKeys(packet)
			done <- reply{keys: keys, err: err}
			return
		}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.keys, r.err
	}
}

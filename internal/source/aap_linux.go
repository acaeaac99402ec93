//go:build linux

package source

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"unsafe"
)

// Raw L2CAP socket constants. The x/sys tree has no L2CAP sockaddr, so the
// structure is laid out by hand.
const (
	afBluetooth   = 31
	sockSeqpacket = 5
	btprotoL2CAP  = 0
)

type bdaddr [6]byte

type sockaddrL2 struct {
	family     uint16
	psm        uint16
	bdaddr     bdaddr
	cid        uint16
	bdaddrType uint8
}

// AccessoryClient is a raw L2CAP connection to one accessory on the
// proprietary PSM.
type AccessoryClient struct {
	addr string

	mu   sync.Mutex
	fd   int
	open bool
}

func NewAccessoryClient(addr string) *AccessoryClient {
	return &AccessoryClient{addr: addr}
}

// Dial opens the L2CAP socket and connects on the accessory PSM.
func (c *AccessoryClient) Dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return fmt.Errorf("already connected")
	}

	bd, err := parseBdaddr(c.addr)
	if err != nil {
		return fmt.Errorf("accessory address: %w", err)
	}

	fd, err := syscall.Socket(afBluetooth, sockSeqpacket, btprotoL2CAP)
	if err != nil {
		return fmt.Errorf("l2cap socket: %w", err)
	}

	sa := sockaddrL2{
		family: afBluetooth,
		psm:    accessoryPSM,
		bdaddr: bd,
	}
	_, _, errno := syscall.Syscall(syscall.SYS_CONNECT, uintptr(fd),
		uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		syscall.Close(fd)
		return fmt.Errorf("l2cap connect %s: %v", c.addr, errno)
	}

	c.fd = fd
	c.open = true
	return nil
}

// Handshake sends the session-opening packet. Notifications only flow after
// it.
func (c *AccessoryClient) Handshake() error {
	return c.send(accessoryHandshake[:], "handshake")
}

// RequestBattery subscribes to battery notifications.
func (c *AccessoryClient) RequestBattery() error {
	return c.send(accessoryBatteryRequest[:], "battery request")
}

// RequestKeys asks for the pairing keys.
func (c *AccessoryClient) RequestKeys() error {
	return c.send(accessoryKeyRequest[:], "key request")
}

// EnableFeatures turns on the extended notification set.
func (c *AccessoryClient) EnableFeatures() error {
	return c.send(accessoryFeatureEnable[:], "feature enable")
}

func (c *AccessoryClient) send(packet []byte, what string) error {
	c.mu.Lock()
	fd, open := c.fd, c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("not connected")
	}

	n, err := syscall.Write(fd, packet)
	if err != nil {
		return fmt.Errorf("send %s: %w", what, err)
	}
	if n != len(packet) {
		return fmt.Errorf("short %s write: %d of %d bytes", what, n, len(packet))
	}
	return nil
}

// ReadPacket blocks for the next packet. A concurrent Close unblocks it with
// an error.
func (c *AccessoryClient) ReadPacket() ([]byte, error) {
	c.mu.Lock()
	fd, open := c.fd, c.open
	c.mu.Unlock()
	if !open {
		return nil, fmt.Errorf("not connected")
	}

	buf := make([]byte, 1024)
	n, err := syscall.Read(fd, buf)
	if err != nil {
		return nil, fmt.Errorf("read packet: %w", err)
	}
	return buf[:n], nil
}

// Close shuts the socket down. Safe to call twice.
func (c *AccessoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	return syscall.Close(c.fd)
}

// parseBdaddr converts AA:BB:CC:DD:EE:FF into the byte-reversed on-wire
// order.
func parseBdaddr(addr string) (bdaddr, error) {
	var bd bdaddr
	cleaned := strings.ReplaceAll(addr, ":", "")
	if len(cleaned) != 12 {
		return bd, fmt.Errorf("want 6 octets, got %q", addr)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return bd, fmt.Errorf("bad hex in %q: %w", addr, err)
	}
	for i := 0; i < 6; i++ {
		bd[i] = raw[5-i]
	}
	return bd, nil
}

//go:build !linux

package source

import "fmt"

// AccessoryClient needs raw L2CAP sockets, which only the Linux Bluetooth
// stack exposes. Elsewhere every method reports the protocol unsupported.
type AccessoryClient struct {
	addr string
}

func NewAccessoryClient(addr string) *AccessoryClient {
	return &AccessoryClient{addr: addr}
}

func (c *AccessoryClient) Dial() error {
	return fmt.Errorf("accessory protocol not supported on this platform")
}

func (c *AccessoryClient) Handshake() error      { return fmt.Errorf("not connected") }
func (c *AccessoryClient) RequestBattery() error { return fmt.Errorf("not connected") }
func (c *AccessoryClient) RequestKeys() error    { return fmt.Errorf("not connected") }
func (c *AccessoryClient) EnableFeatures() error { return fmt.Errorf("not connected") }

func (c *AccessoryClient) ReadPacket() ([]byte, error) {
	return nil, fmt.Errorf("not connected")
}

func (c *AccessoryClient) Close() error { return nil }

package blebatt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"atoll/internal/normalize"
)

// Standard battery service identifiers.
// https://www.bluetooth.com/specifications/specs/battery-service/
const (
	batteryServiceID = "180f"
	batteryLevelID   = "2a19"
)

var (
	batteryService = must(bluetooth.ParseUUID(batteryServiceID))
	batteryLevel   = must(bluetooth.ParseUUID(batteryLevelID))
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// GATTLink drives the host radio through the cross-platform GATT stack. The
// adapter is enabled once on first use.
type GATTLink struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger

	enableOnce sync.Once
	enableErr  error
}

func NewGATTLink(log *slog.Logger) *GATTLink {
	return &GATTLink{adapter: bluetooth.DefaultAdapter, log: log}
}

func (g *GATTLink) enable() error {
	g.enableOnce.Do(func() {
		g.enableErr = g.adapter.Enable()
	})
	return g.enableErr
}

// Find scans for advertisements from the requested identifiers. The scan
// stops as soon as every identifier was seen once, or when the context ends.
func (g *GATTLink) Find(ctx context.Context, ids map[string]struct{}) (map[string]Peripheral, error) {
	if err := g.enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}
	if len(ids) == 0 {
		return map[string]Peripheral{}, nil
	}

	var (
		mu       sync.Mutex
		found    = make(map[string]Peripheral)
		complete = make(chan struct{})
		closed   bool
	)
	go func() {
		select {
		case <-ctx.Done():
		case <-complete:
		}
		g.adapter.StopScan()
	}()

	err := g.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := normalize.Address(result.Address.String())
		if _, want := ids[id]; !want {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, dup := found[id]; dup {
			return
		}
		found[id] = &gattPeripheral{
			adapter: adapter,
			address: result.Address,
			log:     g.log,
		}
		if len(found) == len(ids) && !closed {
			closed = true
			close(complete)
		}
	})
	if err != nil && ctx.Err() == nil {
		return found, fmt.Errorf("scan: %w", err)
	}
	return found, nil
}

// gattPeripheral reads one device's battery characteristic. Each step runs
// under the batch context; the connect step maps the remaining time onto the
// stack's connection timeout.
type gattPeripheral struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address
	log     *slog.Logger
}

func (p *gattPeripheral) ReadBattery(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	addr := p.address.String()

	p.log.Debug("peripheral state", "address", addr, "state", phaseConnecting)
	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}
	dev, err := p.adapter.Connect(p.address, params)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer dev.Disconnect()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.log.Debug("peripheral state", "address", addr, "state", phaseDiscoveringServices)
	services, err := dev.DiscoverServices([]bluetooth.UUID{batteryService})
	if err != nil {
		return 0, fmt.Errorf("discover services %s: %w", addr, err)
	}
	if len(services) == 0 {
		return 0, fmt.Errorf("no battery service on %s", addr)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.log.Debug("peripheral state", "address", addr, "state", phaseDiscoveringCharacteristics)
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{batteryLevel})
	if err != nil {
		return 0, fmt.Errorf("discover characteristics %s: %w", addr, err)
	}
	if len(chars) == 0 {
		return 0, fmt.Errorf("no battery level characteristic on %s", addr)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.log.Debug("peripheral state", "address", addr, "state", phaseReading)
	buf := make([]byte, 4)
	n, err := chars[0].Read(buf)
	if err != nil {
		return 0, fmt.Errorf("read battery level %s: %w", addr, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("empty battery level read on %s", addr)
	}
	return int(buf[0]), nil
}

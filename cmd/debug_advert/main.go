// debug_advert is a debugging tool that watches for proximity pairing
// advertisements and prints each parsed reading.
//
// Usage:
//
//	go run ./cmd/debug_advert [ENCRYPTION_KEY]
//
// Without a key the advertised battery levels are coarse (10% steps); a
// 32-hex-character per-device key upgrades them to exact readings. The
// scanner is passive and works while the accessory is connected to another
// host.
//
// Press Ctrl+C to stop scanning.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atoll/internal/config"
	"atoll/internal/source"
)

func main() {
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [ENCRYPTION_KEY]\n", os.Args[0])
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if len(os.Args) == 2 {
		key := os.Args[1]
		if len(key) != 32 {
			log.Fatalf("encryption key must be 32 hex characters, got %d", len(key))
		}
		cfg.Wireless.DeviceKeys = []config.DeviceKey{{Key: key}}
	}

	scanner, err := source.NewAdvertScanner(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		log.Fatalf("Failed to connect to system bus: %v", err)
	}
	defer scanner.Close()

	if err := scanner.Start(); err != nil {
		log.Fatalf("Failed to start discovery: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	log.Println("Scanning for proximity advertisements... (Ctrl+C to stop)")
	for {
		reading, addr, err := scanner.ScanOnce(ctx, 10*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("No advertisement: %v", err)
			continue
		}
		log.Printf("[%s] %s", addr, reading)
	}
}

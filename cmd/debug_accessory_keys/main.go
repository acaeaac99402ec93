// debug_accessory_keys retrieves the pairing keys from a connected
// accessory over the L2CAP control channel.
//
// Usage:
//
//	go run ./cmd/debug_accessory_keys <MAC_ADDRESS>
//
// The encryption key printed at the end unlocks exact battery levels in
// proximity advertisements: put it in the configuration under
// [[wireless.device_keys]] (or pass it to debug_advert to verify).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"atoll/internal/source"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <MAC_ADDRESS>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 90:62:3F:59:00:2F\n", os.Args[0])
		os.Exit(1)
	}
	addr := os.Args[1]
	log.Printf("Requesting pairing keys from %s...", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keys, err := source.FetchAccessoryKeys(ctx, addr)
	if err != nil {
		log.Fatalf("Key retrieval failed: %v", err)
	}

	for _, key := range keys {
		fmt.Printf("%-12s %s\n", key.Type, hex.EncodeToString(key.Data))
	}

	if enc := source.EncryptionKeyOf(keys); enc != nil {
		fmt.Println()
		fmt.Println("Advertisement decryption key:")
		fmt.Printf("  %s\n", hex.EncodeToString(enc))
		fmt.Println()
		fmt.Println("Verify with:")
		fmt.Printf("  go run ./cmd/debug_advert %s\n", hex.EncodeToString(enc))
	}
}

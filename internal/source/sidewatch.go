package source

import (
	"context"
	"log/slog"
	"time"

	"atoll/internal/evidence"
)

// PairRef names one connected earbud pair: the normalized name key the side
// table is keyed by, and the device address for direct protocol reads.
type PairRef struct {
	NameKey string
	Address string
}

// PairLookup yields the currently connected earbud pairs. The adapters call
// it per collection so they always see the live tracked set.
type PairLookup func() []PairRef

// AdvertSideSource contributes proximity-advertisement readings to the side
// table. Advertisements come from a rotating random address and carry no
// device identity, so a reading is attributed only when exactly one earbud
// pair is connected; with several pairs the source refuses to guess.
type AdvertSideSource struct {
	scanner *AdvertScanner
	pairs   PairLookup
	window  time.Duration
	log     *slog.Logger
}

func NewAdvertSideSource(scanner *AdvertScanner, pairs PairLookup, window time.Duration, log *slog.Logger) *AdvertSideSource {
	return &AdvertSideSource{scanner: scanner, pairs: pairs, window: window, log: log}
}

func (s *AdvertSideSource) CollectSides(ctx context.Context) map[string]evidence.SideState {
	pairs := s.pairs()
	if len(pairs) != 1 {
		return nil
	}

	reading, _, err := s.scanner.ScanOnce(ctx, s.window)
	if err != nil {
		s.log.Debug("no advertisement reading", "err", err)
		return nil
	}
	return map[string]evidence.SideState{pairs[0].NameKey: reading.SideState()}
}

// AccessorySideSource reads battery notifications straight off the
// accessory protocol for each connected pair.
type AccessorySideSource struct {
	pairs   PairLookup
	timeout time.Duration
	log     *slog.Logger
}

func NewAccessorySideSource(pairs PairLookup, timeout time.Duration, log *slog.Logger) *AccessorySideSource {
	return &AccessorySideSource{pairs: pairs, timeout: timeout, log: log}
}

func (s *AccessorySideSource) CollectSides(ctx context.Context) map[string]evidence.SideState {
	out := make(map[string]evidence.SideState)
	for _, pair := range s.pairs() {
		if pair.Address == "" {
			continue
		}
		readCtx, cancel := context.WithTimeout(ctx, s.timeout)
		state, err := FetchAccessoryBattery(readCtx, pair.Address)
		cancel()
		if err != nil {
			s.log.Debug("accessory protocol read failed", "address", pair.Address, "err", err)
			continue
		}
		out[pair.NameKey] = state
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

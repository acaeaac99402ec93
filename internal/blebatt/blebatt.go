// Package blebatt reads the standard battery service (180F) level
// characteristic (2A19) from short-range wireless peripherals.
//
// Levels read here are the escalation of last resort for accessories whose
// battery never surfaces through any host-side source. A batch scans for the
// requested peripherals, connects to each found one, and reads the level.
// Only one batch is ever in flight; a request arriving while one runs gets
// an empty result immediately rather than queueing.
package blebatt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"atoll/internal/config"
)

// phase is the reader's batch state. Scanning and Reading happen at the
// batch level; the connect and discovery phases are per peripheral.
type phase int

const (
	phaseIdle phase = iota
	phaseScanning
	phaseConnecting
	phaseDiscoveringServices
	phaseDiscoveringCharacteristics
	phaseReading
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseScanning:
		return "scanning"
	case phaseConnecting:
		return "connecting"
	case phaseDiscoveringServices:
		return "discovering-services"
	case phaseDiscoveringCharacteristics:
		return "discovering-characteristics"
	case phaseReading:
		return "reading"
	case phaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Target names one peripheral a batch should resolve. Key is the accessory's
// normalized address and keys the result map; IDs are the normalized
// identifiers the radio may surface for it (its address, or the platform's
// peripheral identifier).
type Target struct {
	Key string
	IDs []string
}

// Link is the radio abstraction. The production implementation drives a GATT
// stack; tests substitute a fake.
type Link interface {
	// Find scans until every requested identifier has been seen or the
	// context ends, returning handles for the found subset.
	Find(ctx context.Context, ids map[string]struct{}) (map[string]Peripheral, error)
}

// Peripheral is one found device a batch can read.
type Peripheral interface {
	ReadBattery(ctx context.Context) (int, error)
}

// Reader owns the single-pending-batch invariant.
type Reader struct {
	link  Link
	batch time.Duration
	log   *slog.Logger

	mu    sync.Mutex
	state phase
}

// New builds a reader over the given link. The batch timeout comes from the
// wireless configuration.
func New(link Link, cfg *config.Config, log *slog.Logger) *Reader {
	return &Reader{
		link:  link,
		batch: time.Duration(cfg.Wireless.BatchTimeoutSeconds) * time.Second,
		log:   log,
	}
}

func (r *Reader) setState(p phase) {
	r.mu.Lock()
	r.state = p
	r.mu.Unlock()
}

// ReadBatch resolves battery levels for the given targets. The whole batch
// is bounded by the configured timeout; peripherals that fail or run out of
// time are omitted and the rest still report. While a batch is in flight a
// second call returns an empty map at once.
func (r *Reader) ReadBatch(ctx context.Context, targets []Target) map[string]int {
	results := make(map[string]int)
	if len(targets) == 0 {
		return results
	}

	r.mu.Lock()
	if r.state != phaseIdle {
		r.mu.Unlock()
		r.log.Debug("batch already in flight, returning empty")
		return results
	}
	r.state = phaseScanning
	r.mu.Unlock()
	defer r.setState(phaseIdle)

	ctx, cancel := context.WithTimeout(ctx, r.batch)
	defer cancel()

	ids := make(map[string]struct{})
	keyOf := make(map[string]string)
	for _, t := range targets {
		for _, id := range t.IDs {
			if id == "" {
				continue
			}
			ids[id] = struct{}{}
			keyOf[id] = t.Key
		}
	}

	found, err := r.link.Find(ctx, ids)
	if err != nil {
		r.log.Debug("scan failed", "err", err)
		return results
	}
	r.setState(phaseReading)

	type reading struct {
		key   string
		level int
	}
	ch := make(chan reading, len(found))
	var wg sync.WaitGroup
	seen := make(map[string]bool)
	for id, p := range found {
		key := keyOf[id]
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		wg.Add(1)
		go func(key string, p Peripheral) {
			defer wg.Done()
			level, err := p.ReadBattery(ctx)
			if err != nil {
				r.log.Debug("peripheral read failed", "key", key, "err", err)
				return
			}
			ch <- reading{key: key, level: level}
		}(key, p)
	}
	wg.Wait()
	close(ch)
	r.setState(phaseDone)

	for rd := range ch {
		results[rd.key] = rd.level
	}
	r.log.Debug("batch complete", "requested", len(targets), "resolved", len(results))
	return results
}

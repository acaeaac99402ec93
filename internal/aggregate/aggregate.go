// Package aggregate merges the independent evidence sources into the one
// battery view the tracker consumes.
//
// The aggregator owns the combined table, the per-side table, and every
// background fetch: the periodic full rebuild, the power-tool escalation
// for devices whose battery stayed unresolved, and the wireless batch of
// last resort. Background merges fold into the live tables and fire the
// registered change callbacks; full rebuilds replace the tables wholesale,
// which is the only path on which a stored level can drop.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"atoll/internal/blebatt"
	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

// Collector is one combined-battery evidence source.
type Collector interface {
	Collect(ctx context.Context) evidence.Partial
}

// SideCollector is one per-side evidence source, keyed by normalized name.
type SideCollector interface {
	CollectSides(ctx context.Context) map[string]evidence.SideState
}

// LiveStore is the preference store consulted live during lookups, without
// waiting for the next table rebuild.
type LiveStore interface {
	// LiveLevel resolves a level by address first, then by name.
	LiveLevel(addrKey, nameKey string) (int, bool)
	// PeripheralID resolves the short-range peripheral identifier for a
	// device address.
	PeripheralID(addrKey string) (string, bool)
}

// WirelessReader runs one short-range battery batch.
type WirelessReader interface {
	ReadBatch(ctx context.Context, targets []blebatt.Target) map[string]int
}

// Sources bundles the collectors the aggregator draws from. Any field may be
// nil; a nil source is skipped.
type Sources struct {
	Registry  Collector
	PrefCache Collector
	Profiler  Collector
	PowerTool Collector

	// Side sources contribute per-bud evidence during rebuilds.
	Sides []SideCollector

	Live     LiveStore
	Wireless WirelessReader
}

// Aggregator owns the evidence tables. All exported methods are safe for
// concurrent use.
type Aggregator struct {
	src Sources
	log *slog.Logger

	refreshWindow time.Duration
	cooldown      time.Duration
	waitTimeout   time.Duration
	waitPoll      time.Duration

	mu          sync.RWMutex
	table       *evidence.Table
	sides       evidence.SideTable
	refreshedAt time.Time
	collecting  bool

	escalating   bool
	escalatedAt  time.Time
	wirelessBusy bool

	waits     map[string]*waiter
	callbacks map[int]func()
	nextCB    int
}

type waiter struct {
	cancel context.CancelFunc
}

func New(src Sources, cfg *config.Config, log *slog.Logger) *Aggregator {
	return &Aggregator{
		src:           src,
		log:           log,
		refreshWindow: time.Duration(cfg.Aggregator.RefreshSeconds) * time.Second,
		cooldown:      time.Duration(cfg.Aggregator.EscalationCooldownSeconds) * time.Second,
		waitTimeout:   time.Duration(cfg.Aggregator.WaitTimeoutMS) * time.Millisecond,
		waitPoll:      time.Duration(cfg.Aggregator.WaitPollMS) * time.Millisecond,
		table:         evidence.NewTable(time.Time{}),
		sides:         make(evidence.SideTable),
		waits:         make(map[string]*waiter),
		callbacks:     make(map[int]func()),
	}
}

// OnChange registers a callback fired after a background merge changed the
// tables; the returned func unregisters it. Rebuilds driven through Refresh
// do not fire it; the caller of Refresh already knows to reapply.
func (a *Aggregator) OnChange(fn func()) func() {
	a.mu.Lock()
	id := a.nextCB
	a.nextCB++
	a.callbacks[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.callbacks, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) fireChange() {
	a.mu.RLock()
	cbs := make([]func(), 0, len(a.callbacks))
	for _, cb := range a.callbacks {
		cbs = append(cbs, cb)
	}
	a.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}

// Refresh rebuilds both tables from every source. Unforced calls are a no-op
// while the last full collection is younger than the refresh window. Returns
// true when a rebuild actually ran.
func (a *Aggregator) Refresh(ctx context.Context, force bool) bool {
	a.mu.Lock()
	if a.collecting {
		a.mu.Unlock()
		return false
	}
	if !force && time.Since(a.refreshedAt) < a.refreshWindow {
		a.mu.Unlock()
		return false
	}
	a.collecting = true
	a.mu.Unlock()

	table := evidence.NewTable(time.Now())
	sides := make(evidence.SideTable)
	for _, c := range []Collector{a.src.Registry, a.src.PrefCache, a.src.Profiler, a.src.PowerTool} {
		if c == nil {
			continue
		}
		table.Merge(c.Collect(ctx))
	}
	for _, sc := range a.src.Sides {
		if sc == nil {
			continue
		}
		for nameKey, state := range sc.CollectSides(ctx) {
			sides.Merge(nameKey, state)
		}
	}

	a.mu.Lock()
	a.table = table
	a.sides = sides
	a.refreshedAt = time.Now()
	a.collecting = false
	a.mu.Unlock()

	a.log.Debug("evidence rebuilt", "entries", table.Len(), "side entries", len(sides))
	return true
}

// BestLevel resolves the best known level for a record: the address table,
// then the name table, then the live store by address then name, then the
// record's stored value. First hit wins; levels are never averaged.
func (a *Aggregator) BestLevel(rec *device.Record) (int, bool) {
	a.mu.RLock()
	table := a.table
	a.mu.RUnlock()

	if rec.Address != "" {
		if pct, ok := table.ByAddress(rec.Address); ok {
			return pct, true
		}
	}
	if nameKey := rec.NameKey(); nameKey != "" {
		if pct, ok := table.ByName(nameKey); ok {
			return pct, true
		}
	}
	if a.src.Live != nil {
		if pct, ok := a.src.Live.LiveLevel(rec.Address, rec.NameKey()); ok {
			return evidence.Clamp(pct), true
		}
	}
	if rec.Battery != nil {
		return *rec.Battery, true
	}
	return 0, false
}

// Sides returns a copy of the merged side state for the record's name key,
// or nil when none was observed.
func (a *Aggregator) Sides(rec *device.Record) *evidence.SideState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sides.Get(rec.NameKey()).Clone()
}

// MergeSides folds side evidence observed outside a rebuild (advertisement
// or accessory-protocol reads) into the side table.
func (a *Aggregator) MergeSides(nameKey string, state evidence.SideState) {
	a.mu.Lock()
	changed := a.sides.Merge(nameKey, state)
	a.mu.Unlock()
	if changed {
		a.fireChange()
	}
}

// EscalateMissing schedules the background escalations for records whose
// battery stayed unresolved after a refresh. At most one power-tool fetch
// runs at a time, with a cooldown between completed fetches; at most one
// wireless batch runs at a time. Both merge into the live tables and fire
// the change callbacks. Returns immediately.
func (a *Aggregator) EscalateMissing(ctx context.Context, missing []*device.Record) {
	if len(missing) == 0 {
		return
	}
	a.escalatePowerTool(ctx)
	a.escalateWireless(ctx, missing)
}

func (a *Aggregator) escalatePowerTool(ctx context.Context) {
	if a.src.PowerTool == nil {
		return
	}
	a.mu.Lock()
	if a.escalating || time.Since(a.escalatedAt) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.escalating = true
	a.mu.Unlock()

	go func() {
		part := a.src.PowerTool.Collect(ctx)

		a.mu.Lock()
		changed, added := a.table.Merge(part)
		a.escalatedAt = time.Now()
		a.escalating = false
		a.mu.Unlock()

		if len(added) > 0 {
			a.log.Debug("power tool surfaced new evidence", "keys", added)
		}
		if changed {
			a.fireChange()
		}
	}()
}

// escalateWireless builds one batch from the records that carry a usable
// radio identity: the address itself plus the peripheral identifier when the
// live store resolves one.
func (a *Aggregator) escalateWireless(ctx context.Context, missing []*device.Record) {
	if a.src.Wireless == nil {
		return
	}
	var targets []blebatt.Target
	for _, rec := range missing {
		if rec.Address == "" {
			continue
		}
		t := blebatt.Target{Key: rec.Address, IDs: []string{rec.Address}}
		if a.src.Live != nil {
			if id, ok := a.src.Live.PeripheralID(rec.Address); ok {
				t.IDs = append(t.IDs, normalize.Address(id))
			}
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return
	}

	a.mu.Lock()
	if a.wirelessBusy {
		a.mu.Unlock()
		return
	}
	a.wirelessBusy = true
	a.mu.Unlock()

	go func() {
		levels := a.src.Wireless.ReadBatch(ctx, targets)

		part := evidence.NewPartial()
		for addrKey, pct := range levels {
			part.ObserveAddress(addrKey, pct)
		}

		a.mu.Lock()
		changed, _ := a.table.Merge(part)
		a.wirelessBusy = false
		a.mu.Unlock()

		if changed {
			a.fireChange()
		}
	}()
}

// WaitForBattery polls until a level resolves for the record or the bounded
// wait expires, whichever comes first. One wait per device id: a newer wait
// for the same id supersedes the old one, and CancelWait ends it early.
func (a *Aggregator) WaitForBattery(ctx context.Context, rec *device.Record) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.waitTimeout)
	w := &waiter{cancel: cancel}

	a.mu.Lock()
	if old := a.waits[rec.ID]; old != nil {
		old.cancel()
	}
	a.waits[rec.ID] = w
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		if a.waits[rec.ID] == w {
			delete(a.waits, rec.ID)
		}
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.waitPoll)
	defer ticker.Stop()
	for {
		if pct, ok := a.BestLevel(rec); ok {
			return pct, true
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-ticker.C:
		}
	}
}

// CancelWait ends a pending bounded wait for the device id. Safe to call
// repeatedly and after the wait already finished.
func (a *Aggregator) CancelWait(id string) {
	a.mu.Lock()
	w := a.waits[id]
	delete(a.waits, id)
	a.mu.Unlock()
	if w != nil {
		w.cancel()
	}
}

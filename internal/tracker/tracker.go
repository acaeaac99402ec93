// Package tracker maintains the connected audio accessory set.
//
// The tracker owns the record list. Connection changes arrive two ways: a
// platform event stream where one exists, and a periodic poll diffing the
// enumerated connected set; both funnel into the same connect/disconnect
// paths. Evidence application always replaces records wholesale, so
// snapshots handed to callbacks never share mutable state with the tracker.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"atoll/internal/bluetooth"
	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/evidence"
	"atoll/internal/normalize"
)

// Aggregator is the evidence view the tracker drives.
type Aggregator interface {
	Refresh(ctx context.Context, force bool) bool
	BestLevel(rec *device.Record) (int, bool)
	Sides(rec *device.Record) *evidence.SideState
	EscalateMissing(ctx context.Context, missing []*device.Record)
	WaitForBattery(ctx context.Context, rec *device.Record) (int, bool)
	CancelWait(id string)
}

// SnapshotInvalidator drops a cached inventory snapshot so the enumeration
// after a connection change is fresh.
type SnapshotInvalidator interface {
	Invalidate()
}

// UpdateCallback receives a record snapshot after the tracked set or its
// state changed.
type UpdateCallback func(recs []*device.Record)

// ConnectCallback receives a newly connected record once its battery
// resolved or the bounded wait expired.
type ConnectCallback func(rec *device.Record)

// Deps bundles the tracker's collaborators. Watcher and Invalidator may be
// nil; the tracker then relies on polling alone.
type Deps struct {
	Enumerator  bluetooth.Enumerator
	Watcher     bluetooth.Watcher
	Classifier  *classify.Classifier
	Aggregator  Aggregator
	Invalidator SnapshotInvalidator
}

// Tracker owns the per-accessory connection state. All exported methods are
// safe for concurrent use.
type Tracker struct {
	enum       bluetooth.Enumerator
	watcher    bluetooth.Watcher
	classifier *classify.Classifier
	agg        Aggregator
	invalidate SnapshotInvalidator
	poll       time.Duration
	log        *slog.Logger

	mu            sync.RWMutex
	records       map[string]*device.Record
	order         []string
	last          string
	missingLogged map[string]bool
	updateCBs     map[int]UpdateCallback
	connectCBs    map[int]ConnectCallback
	nextCB        int

	stopOnce sync.Once
	stop     chan struct{}
}

func New(deps Deps, cfg *config.Config, log *slog.Logger) *Tracker {
	return &Tracker{
		enum:          deps.Enumerator,
		watcher:       deps.Watcher,
		classifier:    deps.Classifier,
		agg:           deps.Aggregator,
		invalidate:    deps.Invalidator,
		poll:          time.Duration(cfg.Tracker.PollSeconds) * time.Second,
		log:           log,
		records:       make(map[string]*device.Record),
		missingLogged: make(map[string]bool),
		updateCBs:     make(map[int]UpdateCallback),
		connectCBs:    make(map[int]ConnectCallback),
		stop:          make(chan struct{}),
	}
}

// Run drives the tracker until the context ends or Stop is called.
func (t *Tracker) Run(ctx context.Context) {
	var events <-chan bluetooth.Event
	if t.watcher != nil {
		ch, err := t.watcher.Watch(ctx)
		if err != nil {
			t.log.Warn("connection events unavailable, polling only", "err", err)
		} else {
			events = ch
		}
	}

	t.Sync(ctx)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.handleEvent(ctx, ev)
		case <-ticker.C:
			t.Sync(ctx)
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Tracker) handleEvent(ctx context.Context, ev bluetooth.Event) {
	t.log.Debug("connection event", "type", ev.Type, "address", ev.Address)
	switch ev.Type {
	case bluetooth.EventPowerOff:
		t.clearAll()
	default:
		if t.invalidate != nil {
			t.invalidate.Invalidate()
		}
		t.Sync(ctx)
	}
}

// Sync diffs the live connected audio set against the tracked records,
// connecting and disconnecting as needed. With no membership change it
// still drives the periodic evidence refresh.
func (t *Tracker) Sync(ctx context.Context) {
	if powered, err := t.enum.Powered(ctx); err == nil && !powered {
		t.clearAll()
		return
	}
	accs, err := t.enum.ConnectedAccessories(ctx)
	if err != nil {
		t.log.Debug("enumeration unavailable", "err", err)
		return
	}

	current := make(map[string]bluetooth.Accessory)
	for _, acc := range accs {
		if !acc.Connected {
			continue
		}
		if !classify.IsAudioDevice(acc.Class, acc.Services, acc.MinorType) {
			continue
		}
		current[accessoryID(acc)] = acc
	}

	t.mu.RLock()
	var gone []string
	for id := range t.records {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	var fresh []bluetooth.Accessory
	for id, acc := range current {
		if _, ok := t.records[id]; !ok {
			fresh = append(fresh, acc)
		}
	}
	t.mu.RUnlock()

	for _, id := range gone {
		t.disconnect(id)
	}
	for _, acc := range fresh {
		t.connect(ctx, acc)
	}
	if len(gone) == 0 && len(fresh) == 0 {
		if t.agg.Refresh(ctx, false) {
			t.reapply(false)
			t.escalateStillMissing(ctx)
		}
	}
}

func accessoryID(acc bluetooth.Accessory) string {
	if id := normalize.Address(acc.Address); id != "" {
		return id
	}
	return normalize.Name(acc.Name)
}

func (t *Tracker) connect(ctx context.Context, acc bluetooth.Accessory) {
	devType := t.classifier.Classify(acc.Name, acc.Address, acc.Class)
	rec := device.New(acc.Name, acc.Address, devType)
	t.log.Info("accessory connected", "name", acc.Name, "type", devType.String())

	if t.invalidate != nil {
		t.invalidate.Invalidate()
	}

	t.mu.Lock()
	t.records[rec.ID] = rec
	t.order = append(t.order, rec.ID)
	t.last = rec.ID
	t.mu.Unlock()

	t.agg.Refresh(ctx, true)
	t.reapply(true)
	t.escalateStillMissing(ctx)

	go t.awaitBattery(ctx, rec)
}

// awaitBattery backs the one-shot connection announcement: it fires once
// the bounded wait resolves a level or gives up. A device that disconnected
// during the wait is not announced.
func (t *Tracker) awaitBattery(ctx context.Context, rec *device.Record) {
	if pct, ok := t.agg.WaitForBattery(ctx, rec); ok {
		t.storeBattery(rec.ID, pct)
	}
	t.announceConnect(rec.ID)
}

func (t *Tracker) storeBattery(id string, pct int) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	next := rec.Clone()
	next.SetBattery(pct)
	changed := !next.Equal(rec)
	t.records[id] = next
	delete(t.missingLogged, id)
	t.mu.Unlock()
	if changed {
		t.publish()
	}
}

func (t *Tracker) announceConnect(id string) {
	t.mu.RLock()
	clone := t.records[id].Clone()
	cbs := make([]ConnectCallback, 0, len(t.connectCBs))
	for _, cb := range t.connectCBs {
		cbs = append(cbs, cb)
	}
	t.mu.RUnlock()

	if clone == nil {
		return
	}
	for _, cb := range cbs {
		cb(clone)
	}
}

func (t *Tracker) disconnect(id string) {
	t.agg.CancelWait(id)

	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.records, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.last == id {
		t.last = ""
		if n := len(t.order); n > 0 {
			t.last = t.order[n-1]
		}
	}
	delete(t.missingLogged, id)
	t.mu.Unlock()

	t.log.Info("accessory disconnected", "name", rec.Name)
	if t.invalidate != nil {
		t.invalidate.Invalidate()
	}
	t.publish()
}

// clearAll drops every tracked record at once, the radio power-off path.
func (t *Tracker) clearAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.records = make(map[string]*device.Record)
	t.order = nil
	t.last = ""
	t.missingLogged = make(map[string]bool)
	t.mu.Unlock()

	for _, id := range ids {
		t.agg.CancelWait(id)
	}
	if len(ids) > 0 {
		t.log.Info("radio off, clearing tracked accessories")
		t.publish()
	}
}

// Reapply rebuilds every record from the current evidence and publishes when
// anything changed. Wired to the aggregator's change callback.
func (t *Tracker) Reapply() {
	t.reapply(false)
}

func (t *Tracker) reapply(force bool) {
	t.mu.Lock()
	changed := force
	for id, rec := range t.records {
		next := rec.Clone()
		if pct, ok := t.agg.BestLevel(rec); ok {
			next.SetBattery(pct)
		}
		if next.Type.IsEarbudPair() {
			if sides := t.agg.Sides(rec); sides != nil {
				next.Sides = sides
			}
		}
		if !next.Equal(rec) {
			t.records[id] = next
			changed = true
		}
	}
	for id, rec := range t.records {
		if rec.HasBattery() {
			delete(t.missingLogged, id)
			continue
		}
		if !t.missingLogged[id] {
			t.missingLogged[id] = true
			t.log.Info("no battery data available", "name", rec.Name)
		}
	}
	t.mu.Unlock()

	if changed {
		t.publish()
	}
}

func (t *Tracker) escalateStillMissing(ctx context.Context) {
	t.mu.RLock()
	var missing []*device.Record
	for _, rec := range t.records {
		if !rec.HasBattery() {
			missing = append(missing, rec.Clone())
		}
	}
	t.mu.RUnlock()

	if len(missing) > 0 {
		t.agg.EscalateMissing(ctx, missing)
	}
}

func (t *Tracker) publish() {
	recs := t.Records()
	t.mu.RLock()
	cbs := make([]UpdateCallback, 0, len(t.updateCBs))
	for _, cb := range t.updateCBs {
		cbs = append(cbs, cb)
	}
	t.mu.RUnlock()

	for _, cb := range cbs {
		cb(recs)
	}
}

// Records returns a deep-copied snapshot in connection order.
func (t *Tracker) Records() []*device.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*device.Record, 0, len(t.order))
	for _, id := range t.order {
		if rec, ok := t.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// LastConnected returns a copy of the most recently connected record, nil
// when nothing is tracked.
func (t *Tracker) LastConnected() *device.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[t.last].Clone()
}

// AnyConnected reports whether any audio accessory is tracked.
func (t *Tracker) AnyConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records) > 0
}

// RegisterCallback subscribes to record snapshots; the returned func
// unregisters. A non-empty tracked set is delivered to the new subscriber
// right away.
func (t *Tracker) RegisterCallback(cb UpdateCallback) func() {
	t.mu.Lock()
	id := t.nextCB
	t.nextCB++
	t.updateCBs[id] = cb
	any := len(t.records) > 0
	t.mu.Unlock()

	if any {
		go cb(t.Records())
	}
	return func() {
		t.mu.Lock()
		delete(t.updateCBs, id)
		t.mu.Unlock()
	}
}

// OnConnect subscribes to the one-shot connection announcements; the
// returned func unregisters.
func (t *Tracker) OnConnect(cb ConnectCallback) func() {
	t.mu.Lock()
	id := t.nextCB
	t.nextCB++
	t.connectCBs[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.connectCBs, id)
		t.mu.Unlock()
	}
}

package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"atoll/internal/bluetooth"
	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/evidence"
)

// headphonesClass carries the audio/video major class bits.
const headphonesClass = 0x240404

type fakeEnum struct {
	mu      sync.Mutex
	powered bool
	accs    []bluetooth.Accessory
}

func (e *fakeEnum) ConnectedAccessories(ctx context.Context) ([]bluetooth.Accessory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bluetooth.Accessory(nil), e.accs...), nil
}

func (e *fakeEnum) Powered(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.powered, nil
}

func (e *fakeEnum) set(powered bool, accs ...bluetooth.Accessory) {
	e.mu.Lock()
	e.powered = powered
	e.accs = accs
	e.mu.Unlock()
}

type fakeAgg struct {
	mu        sync.Mutex
	levels    map[string]int
	sides     map[string]*evidence.SideState
	waitLevel map[string]int
	escalated [][]*device.Record
	cancelled []string
}

func newFakeAgg() *fakeAgg {
	return &fakeAgg{
		levels:    make(map[string]int),
		sides:     make(map[string]*evidence.SideState),
		waitLevel: make(map[string]int),
	}
}

func (a *fakeAgg) Refresh(ctx context.Context, force bool) bool { return true }

func (a *fakeAgg) BestLevel(rec *device.Record) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pct, ok := a.levels[rec.ID]
	return pct, ok
}

func (a *fakeAgg) Sides(rec *device.Record) *evidence.SideState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sides[rec.ID].Clone()
}

func (a *fakeAgg) EscalateMissing(ctx context.Context, missing []*device.Record) {
	a.mu.Lock()
	a.escalated = append(a.escalated, missing)
	a.mu.Unlock()
}

func (a *fakeAgg) WaitForBattery(ctx context.Context, rec *device.Record) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pct, ok := a.waitLevel[rec.ID]
	return pct, ok
}

func (a *fakeAgg) CancelWait(id string) {
	a.mu.Lock()
	a.cancelled = append(a.cancelled, id)
	a.mu.Unlock()
}

func (a *fakeAgg) cancelledIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

func (a *fakeAgg) escalations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.escalated)
}

func newTestTracker(t *testing.T) (*Tracker, *fakeEnum, *fakeAgg) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	enum := &fakeEnum{powered: true}
	agg := newFakeAgg()
	cls := classify.New(nil, nil, log)
	tr := New(Deps{Enumerator: enum, Classifier: cls, Aggregator: agg}, config.DefaultConfig(), log)
	return tr, enum, agg
}

func airpods(addr string) bluetooth.Accessory {
	return bluetooth.Accessory{
		Name:      "AirPods Pro",
		Address:   addr,
		Connected: true,
		Class:     headphonesClass,
	}
}

func TestSyncConnects(t *testing.T) {
	tr, enum, agg := newTestTracker(t)
	ctx := context.Background()

	agg.levels["aabbccddeeff"] = 74
	enum.set(true, airpods("AA:BB:CC:DD:EE:FF"))
	tr.Sync(ctx)

	recs := tr.Records()
	if len(recs) != 1 {
		t.Fatalf("Records() = %d entries, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Address != "aabbccddeeff" || rec.Type != classify.TypeAirPodsPro {
		t.Fatalf("record = %#v, want AirPods Pro at aabbccddeeff", rec)
	}
	if rec.Battery == nil || *rec.Battery != 74 {
		t.Fatalf("record battery = %v, want 74", rec.Battery)
	}
	if !tr.AnyConnected() {
		t.Fatal("AnyConnected() = false, want true")
	}
	if last := tr.LastConnected(); last == nil || last.ID != rec.ID {
		t.Fatalf("LastConnected() = %#v, want the connected record", last)
	}
}

func TestSyncIgnoresNonAudio(t *testing.T) {
	tr, enum, _ := newTestTracker(t)

	enum.set(true, bluetooth.Accessory{
		Name:      "Magic Keyboard",
		Address:   "11:22:33:44:55:66",
		Connected: true,
		Class:     0x002540, // peripheral major class
	})
	tr.Sync(context.Background())

	if got := tr.Records(); len(got) != 0 {
		t.Fatalf("Records() = %d entries, want 0 for a non-audio device", len(got))
	}
}

func TestSyncDisconnects(t *testing.T) {
	tr, enum, agg := newTestTracker(t)
	ctx := context.Background()

	enum.set(true, airpods("AA:BB:CC:DD:EE:FF"))
	tr.Sync(ctx)
	if len(tr.Records()) != 1 {
		t.Fatal("expected one tracked record after connect")
	}

	enum.set(true)
	tr.Sync(ctx)

	if got := tr.Records(); len(got) != 0 {
		t.Fatalf("Records() = %d entries after disconnect, want 0", len(got))
	}
	if tr.AnyConnected() {
		t.Fatal("AnyConnected() = true after disconnect, want false")
	}
	found := false
	for _, id := range agg.cancelledIDs() {
		if id == "aabbccddeeff" {
			found = true
		}
	}
	if !found {
		t.Fatal("disconnect did not cancel the device's pending wait")
	}
}

func TestRadioOffClearsAll(t *testing.T) {
	tr, enum, _ := newTestTracker(t)
	ctx := context.Background()

	enum.set(true, airpods("AA:BB:CC:DD:EE:FF"), airpods("AA:BB:CC:DD:EE:00"))
	tr.Sync(ctx)
	if len(tr.Records()) != 2 {
		t.Fatalf("Records() = %d, want 2", len(tr.Records()))
	}

	enum.set(false)
	tr.Sync(ctx)
	if got := tr.Records(); len(got) != 0 {
		t.Fatalf("Records() = %d after radio off, want 0", len(got))
	}
}

func TestConnectAnnouncement(t *testing.T) {
	tr, enum, agg := newTestTracker(t)

	agg.waitLevel["aabbccddeeff"] = 68
	announced := make(chan *device.Record, 1)
	unregister := tr.OnConnect(func(rec *device.Record) { announced <- rec })
	defer unregister()

	enum.set(true, airpods("AA:BB:CC:DD:EE:FF"))
	tr.Sync(context.Background())

	select {
	case rec := <-announced:
		if rec.Battery == nil || *rec.Battery != 68 {
			t.Fatalf("announced battery = %v, want 68 from the bounded wait", rec.Battery)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never announced")
	}
}

func TestEscalatesMissingBattery(t *testing.T) {
	tr, enum, agg := newTestTracker(t)

	// No level anywhere: the tracker must hand the record to escalation.
	enum.set(true, airpods("AA:BB:CC:DD:EE:FF"))
	tr.Sync(context.Background())

	if agg.escalations() == 0 {
		t.Fatal("missing battery never escalated")
	}
}

func TestUpdateCallbackSnapshot(t *testing.T) {
	tr, enum, agg := newTestTracker(t)

	agg.levels["aabbccddeeff"] = 74
	var mu sync.Mutex
	var got []*device.Record
	unregister := tr.RegisterCallback(func(recs []*device.Record) {
		mu.Lock()
		got = recs
		mu.Unlock()
	})
	defer unregister()

	enum.set(true, airpods("AA:BB:CC:DD:EE:FF"))
	tr.Sync(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("callback got %d records, want 1", len(got))
	}
	// Snapshots are deep copies; mutating one must not leak back.
	got[0].SetBattery(1)
	if recs := tr.Records(); *recs[0].Battery != 74 {
		t.Fatalf("tracked battery = %d after mutating a snapshot, want 74", *recs[0].Battery)
	}
}

package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/evidence"
)

func intp(v int) *int { return &v }

type capture struct {
	calls [][]string
}

func (c *capture) run(_ context.Context, argv []string) error {
	c.calls = append(c.calls, argv)
	return nil
}

func testNotifier(t *testing.T) (*Notifier, *capture) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Notifications.Command = []string{"true"}
	cfg.Notifications.LowThreshold = 20
	cfg.Notifications.CriticalThreshold = 10
	cfg.Notifications.CooldownMinutes = 5

	n := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cap := &capture{}
	n.run = cap.run
	return n, cap
}

func testRecord(level int) *device.Record {
	rec := device.New("AirPods Pro", "AA:BB:CC:DD:EE:FF", classify.TypeAirPodsPro)
	rec.SetBattery(level)
	return rec
}

func TestConnectionNotice(t *testing.T) {
	n, cap := testNotifier(t)

	n.ConnectionNotice(context.Background(), testRecord(74))
	if len(cap.calls) != 1 {
		t.Fatalf("got %d notifier calls, want 1", len(cap.calls))
	}
	argv := cap.calls[0]
	if argv[1] != "AirPods Pro connected" || argv[2] != "Battery 74%" {
		t.Fatalf("argv = %v, want connected title and battery body", argv)
	}
}

func TestConnectionNoticeWithoutBattery(t *testing.T) {
	n, cap := testNotifier(t)

	rec := device.New("Speaker", "11:22:33:44:55:66", classify.TypeSpeaker)
	n.ConnectionNotice(context.Background(), rec)
	if len(cap.calls) != 1 || cap.calls[0][2] != "Battery level unavailable" {
		t.Fatalf("calls = %v, want battery-unavailable body", cap.calls)
	}
}

func TestLowEdgeDetection(t *testing.T) {
	n, cap := testNotifier(t)
	ctx := context.Background()

	// Above the threshold: nothing fires.
	n.CheckLevels(ctx, []*device.Record{testRecord(50)})
	if len(cap.calls) != 0 {
		t.Fatalf("got %d calls above threshold, want 0", len(cap.calls))
	}

	// Crossing into low fires once; staying inside the band does not.
	n.CheckLevels(ctx, []*device.Record{testRecord(18)})
	n.CheckLevels(ctx, []*device.Record{testRecord(17)})
	n.CheckLevels(ctx, []*device.Record{testRecord(16)})
	if len(cap.calls) != 1 {
		t.Fatalf("got %d calls inside low band, want 1", len(cap.calls))
	}
	if !strings.Contains(cap.calls[0][1], "battery low") {
		t.Fatalf("title = %q, want low-battery title", cap.calls[0][1])
	}
}

func TestCriticalAfterLow(t *testing.T) {
	n, cap := testNotifier(t)
	base := time.Unix(1_700_000_000, 0)
	n.now = func() time.Time { return base }
	ctx := context.Background()

	n.CheckLevels(ctx, []*device.Record{testRecord(18)})

	// The cooldown gates the low-to-critical escalation too.
	n.CheckLevels(ctx, []*device.Record{testRecord(8)})
	if len(cap.calls) != 1 {
		t.Fatalf("got %d calls, want 1 while cooldown holds", len(cap.calls))
	}

	n.now = func() time.Time { return base.Add(10 * time.Minute) }
	n.CheckLevels(ctx, []*device.Record{testRecord(8)})
	if len(cap.calls) != 1 {
		t.Fatalf("got %d calls, want 1 (already in critical band)", len(cap.calls))
	}

	// Recover, then drop straight to critical after the cooldown.
	n.CheckLevels(ctx, []*device.Record{testRecord(60)})
	n.CheckLevels(ctx, []*device.Record{testRecord(7)})
	if len(cap.calls) != 2 {
		t.Fatalf("got %d calls, want 2 after recovery and fresh drop", len(cap.calls))
	}
	if !strings.Contains(cap.calls[1][1], "battery critical") {
		t.Fatalf("title = %q, want critical title", cap.calls[1][1])
	}
}

func TestWorstBudDrivesWarning(t *testing.T) {
	n, cap := testNotifier(t)
	ctx := context.Background()

	// Combined level healthy, left bud nearly flat: the bud level warns.
	rec := testRecord(50)
	rec.Sides = &evidence.SideState{Left: intp(15), Right: intp(52)}
	n.CheckLevels(ctx, []*device.Record{rec})
	if len(cap.calls) != 1 {
		t.Fatalf("got %d calls, want 1 for the low bud", len(cap.calls))
	}
	if cap.calls[0][2] != "15% remaining" {
		t.Fatalf("body = %q, want the bud level", cap.calls[0][2])
	}

	// Without side data the combined level stands and stays quiet.
	n.Forget(rec.ID)
	n.CheckLevels(ctx, []*device.Record{testRecord(50)})
	if len(cap.calls) != 1 {
		t.Fatalf("got %d calls, want no warning at combined 50%%", len(cap.calls))
	}
}

func TestForgetRearms(t *testing.T) {
	n, cap := testNotifier(t)
	ctx := context.Background()

	rec := testRecord(18)
	n.CheckLevels(ctx, []*device.Record{rec})
	if len(cap.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(cap.calls))
	}

	n.Forget(rec.ID)
	n.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	n.CheckLevels(ctx, []*device.Record{rec})
	if len(cap.calls) != 2 {
		t.Fatalf("got %d calls after Forget, want 2", len(cap.calls))
	}
}

func TestDisabledNotifier(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Notifications.Enabled = false
	n := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cap := &capture{}
	n.run = cap.run

	n.ConnectionNotice(context.Background(), testRecord(74))
	n.CheckLevels(context.Background(), []*device.Record{testRecord(5)})
	if len(cap.calls) != 0 {
		t.Fatalf("got %d calls with notifications disabled, want 0", len(cap.calls))
	}
}

func TestCommandFor(t *testing.T) {
	argv := commandFor([]string{"mynotify", "--urgent"}, "Title", "Body")
	want := []string{"mynotify", "--urgent", "Title", "Body"}
	if len(argv) != len(want) {
		t.Fatalf("commandFor() = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("commandFor()[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

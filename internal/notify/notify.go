// Package notify surfaces transient notices: the one-shot connection notice
// and low/critical battery warnings.
//
// Level warnings use edge detection: a device is notified when it crosses
// into the low or critical band, not on every poll inside it, and a
// per-device cooldown bounds repeats when readings bounce around a
// threshold. Recovery above the low band rearms the device.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/util"
)

// band is the per-device warning state.
type band int

const (
	bandNone band = iota
	bandLow
	bandCritical
)

type deviceState struct {
	band       band
	notifiedAt time.Time
}

// Notifier spawns the platform notification command. All exported methods
// are safe for concurrent use.
type Notifier struct {
	enabled           bool
	connectionNotices bool
	levelNotices      bool
	command           []string
	low               int
	critical          int
	cooldown          time.Duration
	log               *slog.Logger

	// run spawns the notifier argv; swapped in tests.
	run func(ctx context.Context, argv []string) error
	now func() time.Time

	mu     sync.Mutex
	states map[string]*deviceState
}

func New(cfg *config.Config, log *slog.Logger) *Notifier {
	nc := cfg.Notifications
	return &Notifier{
		enabled:           nc.Enabled,
		connectionNotices: nc.ConnectionNotices,
		levelNotices:      nc.LevelNotices,
		command:           nc.Command,
		low:               nc.LowThreshold,
		critical:          nc.CriticalThreshold,
		cooldown:          time.Duration(nc.CooldownMinutes) * time.Minute,
		log:               log,
		run:               runCommand,
		now:               time.Now,
		states:            make(map[string]*deviceState),
	}
}

// ConnectionNotice announces a freshly connected accessory. Called at most
// once per connection by the tracker.
func (n *Notifier) ConnectionNotice(ctx context.Context, rec *device.Record) {
	if !n.enabled || !n.connectionNotices {
		return
	}
	body := "Battery level unavailable"
	if rec.Battery != nil {
		body = fmt.Sprintf("Battery %d%%", *rec.Battery)
	}
	n.send(ctx, fmt.Sprintf("%s connected", rec.Name), body)
}

// CheckLevels evaluates the records against the warning thresholds.
func (n *Notifier) CheckLevels(ctx context.Context, recs []*device.Record) {
	if !n.enabled || !n.levelNotices {
		return
	}
	for _, rec := range recs {
		if rec.Battery == nil {
			continue
		}
		// The worst bud drives the warning for a split pair; a dying bud
		// hides behind the combined level otherwise.
		level := *rec.Battery
		if rec.Sides != nil {
			level = util.MinOr(rec.Sides.Left, rec.Sides.Right, level)
		}
		n.checkOne(ctx, rec, level)
	}
}

func (n *Notifier) checkOne(ctx context.Context, rec *device.Record, level int) {
	var current band
	switch {
	case level <= n.critical:
		current = bandCritical
	case level <= n.low:
		current = bandLow
	}

	n.mu.Lock()
	st := n.states[rec.ID]
	if st == nil {
		st = &deviceState{}
		n.states[rec.ID] = st
	}
	prev := st.band
	now := n.now()

	fire := current > prev && (st.notifiedAt.IsZero() || now.Sub(st.notifiedAt) >= n.cooldown)
	if fire {
		st.notifiedAt = now
	}
	st.band = current
	n.mu.Unlock()

	if !fire {
		return
	}
	title := fmt.Sprintf("%s battery low", rec.Name)
	if current == bandCritical {
		title = fmt.Sprintf("%s battery critical", rec.Name)
	}
	n.send(ctx, title, fmt.Sprintf("%d%% remaining", level))
}

// Forget clears the warning state for a disconnected device so the next
// connection starts rearmed.
func (n *Notifier) Forget(id string) {
	n.mu.Lock()
	delete(n.states, id)
	n.mu.Unlock()
}

func (n *Notifier) send(ctx context.Context, title, body string) {
	argv := commandFor(n.command, title, body)
	if len(argv) == 0 {
		n.log.Debug("no notifier command for this platform")
		return
	}
	if err := n.run(ctx, argv); err != nil {
		n.log.Debug("notification command failed", "err", err)
		return
	}
	n.log.Debug("notice sent", "title", title)
}

// commandFor builds the notifier argv. A configured command gets the title
// and body appended; otherwise the platform default is used.
func commandFor(configured []string, title, body string) []string {
	if len(configured) > 0 {
		return append(append([]string(nil), configured...), title, body)
	}
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return []string{"osascript", "-e", script}
	case "linux":
		return []string{"notify-send", title, body}
	default:
		return nil
	}
}

func runCommand(ctx context.Context, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

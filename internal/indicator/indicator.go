// Package indicator renders the display item list in the system tray.
package indicator

import (
	"fmt"
	"log/slog"
	"sync"

	"fyne.io/systray"

	"atoll/internal/presenter"
	"atoll/internal/util"
)

// slotCount bounds the pre-created menu entries; systray menus cannot drop
// items, so unused slots are hidden instead.
const slotCount = 12

// Indicator manages the tray icon and its battery menu.
type Indicator struct {
	onQuit func()
	log    *slog.Logger

	mu      sync.Mutex
	ready   bool
	pending []presenter.Item
	slots   [slotCount]*systray.MenuItem
}

// New builds the indicator. onQuit runs when the user picks Quit.
func New(onQuit func(), log *slog.Logger) *Indicator {
	return &Indicator{onQuit: onQuit, log: log}
}

// Start brings the tray icon up on its own goroutine.
func (ind *Indicator) Start() {
	go systray.Run(ind.onReady, ind.onExit)
}

// Stop removes the tray icon.
func (ind *Indicator) Stop() {
	systray.Quit()
}

func (ind *Indicator) onReady() {
	systray.SetTitle("Atoll")
	systray.SetTooltip("No audio accessories connected")

	systray.AddMenuItem("Connected Accessories", "Battery levels").Disable()
	systray.AddSeparator()

	ind.mu.Lock()
	for i := range ind.slots {
		item := systray.AddMenuItem("", "")
		item.Disable()
		item.Hide()
		ind.slots[i] = item
	}
	pending := ind.pending
	ind.pending = nil
	ind.ready = true
	ind.mu.Unlock()

	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Exit Atoll")
	go func() {
		<-mQuit.ClickedCh
		if ind.onQuit != nil {
			ind.onQuit()
		}
	}()

	if pending != nil {
		ind.Update(pending)
	}
}

func (ind *Indicator) onExit() {
	ind.log.Debug("tray indicator exited")
}

// Update replaces the menu contents with the given display items. Safe to
// call before the tray is ready; the last update is applied on readiness.
func (ind *Indicator) Update(items []presenter.Item) {
	ind.mu.Lock()
	if !ind.ready {
		ind.pending = items
		ind.mu.Unlock()
		return
	}

	if len(items) > slotCount {
		ind.log.Debug("truncating display items for tray", "items", len(items))
		items = items[:slotCount]
	}
	for i, slot := range ind.slots {
		if i < len(items) {
			slot.SetTitle(itemTitle(items[i]))
			slot.Show()
		} else {
			slot.Hide()
		}
	}
	ind.mu.Unlock()

	systray.SetTooltip(tooltip(items))
}

func itemTitle(it presenter.Item) string {
	if it.Percent == nil {
		return fmt.Sprintf("%s: --", it.Label)
	}
	return fmt.Sprintf("%s: %d%%", it.Label, *it.Percent)
}

// tooltip summarizes the worst reading, matching how a glance at the tray
// is used: the thing closest to dying.
func tooltip(items []presenter.Item) string {
	if len(items) == 0 {
		return "No audio accessories connected"
	}
	levels := make([]*int, 0, len(items))
	for _, it := range items {
		levels = append(levels, it.Percent)
	}
	if lowest, ok := util.Lowest(levels...); ok {
		return fmt.Sprintf("%s - %d%%", items[0].Label, lowest)
	}
	return items[0].Label
}

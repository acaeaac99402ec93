// Package presenter derives the display item list from device records.
//
// For earbud pairs it decides between a combined entry, a single bud, or
// both buds separately, using the per-side evidence and a small set of
// disambiguation rules. The item list is the only shape handed to display
// consumers; they never see records or evidence.
package presenter

import (
	"fmt"

	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/evidence"
)

// Item is one display entry.
type Item struct {
	// ID is stable across updates: the record id, with a side suffix for
	// split entries.
	ID     string
	Symbol string
	// Percent is nil when no level is known.
	Percent *int
	Label   string
}

// Presenter turns records into display items.
type Presenter struct {
	showCase bool
}

func New(cfg *config.Config) *Presenter {
	return &Presenter{showCase: cfg.Display.ShowCase}
}

// Items derives the display list for the given records, in record order.
func (p *Presenter) Items(recs []*device.Record) []Item {
	var items []Item
	for _, rec := range recs {
		items = append(items, p.itemsFor(rec)...)
	}
	return items
}

func (p *Presenter) itemsFor(rec *device.Record) []Item {
	if !rec.Type.IsEarbudPair() {
		return []Item{combinedItem(rec)}
	}
	items := p.splitItems(rec)
	if p.showCase && rec.Sides != nil && rec.Sides.Case != nil {
		items = append(items, caseItem(rec, *rec.Sides.Case))
	}
	return items
}

// splitItems resolves what to show for an earbud pair. The rules run in
// order and the first one that applies decides.
func (p *Presenter) splitItems(rec *device.Record) []Item {
	s := rec.Sides
	if !s.HasData() {
		return []Item{combinedItem(rec)}
	}

	// Connected flags that disagree identify the bud in use.
	if s.LeftConnected != nil && s.RightConnected != nil && *s.LeftConnected != *s.RightConnected {
		if *s.LeftConnected {
			return []Item{sideItem(rec, "left", s.Left)}
		}
		return []Item{sideItem(rec, "right", s.Right)}
	}

	left, right := s.Left, s.Right
	switch {
	case left != nil && right != nil:
		// A case level matching exactly one bud means that bud is docked;
		// the other one is in use. With both buds connected nothing is
		// docked, so the match is coincidence.
		if s.Case != nil && !bothConnected(s) {
			nearLeft := within(*s.Case, *left, 2)
			nearRight := within(*s.Case, *right, 2)
			if nearLeft != nearRight {
				if nearLeft {
					return []Item{sideItem(rec, "right", right)}
				}
				return []Item{sideItem(rec, "left", left)}
			}
		}

		loSide, hiSide := "left", "right"
		loPct, hiPct := left, right
		if *loPct > *hiPct {
			loSide, hiSide = hiSide, loSide
			loPct, hiPct = hiPct, loPct
		}

		// One bud deeply below the other while the overall level tracks
		// the high bud: the low reading is a stale or docked bud.
		if !bothConnected(s) && rec.Battery != nil {
			overall := *rec.Battery
			if *hiPct-*loPct >= 5 && *loPct <= 25 &&
				within(*hiPct, overall, 2) && !within(*loPct, overall, 2) {
				return []Item{sideItem(rec, hiSide, hiPct)}
			}
		}

		if *hiPct-*loPct < 5 {
			return []Item{pairItem(rec, *hiPct)}
		}
		return []Item{sideItem(rec, "left", left), sideItem(rec, "right", right)}

	case left != nil:
		return []Item{sideItem(rec, "left", left)}
	case right != nil:
		return []Item{sideItem(rec, "right", right)}
	}
	return []Item{fallbackItem(rec)}
}

func combinedItem(rec *device.Record) Item {
	return Item{
		ID:      rec.ID,
		Symbol:  rec.Type.Symbol(),
		Percent: copyPct(rec.Battery),
		Label:   rec.Name,
	}
}

// pairItem is the combined entry for a pair whose buds read close together.
func pairItem(rec *device.Record, pct int) Item {
	return Item{
		ID:      rec.ID,
		Symbol:  rec.Type.Symbol(),
		Percent: &pct,
		Label:   rec.Name,
	}
}

func fallbackItem(rec *device.Record) Item {
	return Item{
		ID:      rec.ID,
		Symbol:  classify.TypeGeneric.Symbol(),
		Percent: copyPct(rec.Battery),
		Label:   rec.Name,
	}
}

func sideItem(rec *device.Record, side string, pct *int) Item {
	return Item{
		ID:      rec.ID + ":" + side,
		Symbol:  rec.Type.Symbol() + "." + side,
		Percent: copyPct(pct),
		Label:   fmt.Sprintf("%s (%s)", rec.Name, sideLabel(side)),
	}
}

func caseItem(rec *device.Record, pct int) Item {
	return Item{
		ID:      rec.ID + ":case",
		Symbol:  rec.Type.Symbol() + ".case",
		Percent: &pct,
		Label:   fmt.Sprintf("%s (Case)", rec.Name),
	}
}

func sideLabel(side string) string {
	if side == "left" {
		return "Left"
	}
	return "Right"
}

func bothConnected(s *evidence.SideState) bool {
	return s.LeftConnected != nil && *s.LeftConnected &&
		s.RightConnected != nil && *s.RightConnected
}

func within(a, b, d int) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}

func copyPct(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Package evidence holds the battery evidence tables shared by all
// collectors and the aggregator.
//
// Two keyed tables exist side by side: one keyed by normalized address, one
// by normalized display name. A key never crosses tables; name evidence is a
// fallback consulted only when address evidence is absent. Within one
// freshness window a stored percent never decreases (max-wins): stale or
// partial reads must not regress a more confident prior reading. The only
// way a value drops is a full table rebuild.
package evidence

import "time"

// Clamp bounds a percent to [0,100]. Clamping an already-clamped value is a
// no-op.
func Clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Partial is the evidence one collector gathered in a single fetch. Sources
// build a Partial independently; the aggregator merges them into a Table.
type Partial struct {
	ByAddress map[string]int
	ByName    map[string]int
}

// NewPartial returns an empty Partial ready for observations.
func NewPartial() Partial {
	return Partial{
		ByAddress: make(map[string]int),
		ByName:    make(map[string]int),
	}
}

// ObserveAddress records a percent under a normalized address key, keeping
// the maximum seen. Empty keys are ignored.
func (p *Partial) ObserveAddress(key string, pct int) {
	observe(p.ByAddress, key, pct)
}

// ObserveName records a percent under a normalized name key, keeping the
// maximum seen. Empty keys are ignored.
func (p *Partial) ObserveName(key string, pct int) {
	observe(p.ByName, key, pct)
}

func observe(m map[string]int, key string, pct int) {
	if key == "" {
		return
	}
	pct = Clamp(pct)
	if cur, ok := m[key]; !ok || pct > cur {
		m[key] = pct
	}
}

// Empty reports whether the partial carries no observations.
func (p Partial) Empty() bool {
	return len(p.ByAddress) == 0 && len(p.ByName) == 0
}

// Table is the merged evidence table owned by the aggregator. It is not
// goroutine safe; the aggregator serializes access.
type Table struct {
	byAddress map[string]int
	byName    map[string]int
	builtAt   time.Time
}

// NewTable returns an empty table stamped with the given build time.
func NewTable(builtAt time.Time) *Table {
	return &Table{
		byAddress: make(map[string]int),
		byName:    make(map[string]int),
		builtAt:   builtAt,
	}
}

// Merge folds a partial into the table with max-wins per key. It reports
// whether any stored value changed, and separately which keys appeared for
// the first time. The two results back different behaviors: a change drives
// a reapply to connected devices, a new key only drives logging.
func (t *Table) Merge(p Partial) (changed bool, added []string) {
	c1, a1 := mergeMap(t.byAddress, p.ByAddress)
	c2, a2 := mergeMap(t.byName, p.ByName)
	return c1 || c2, append(a1, a2...)
}

func mergeMap(dst, src map[string]int) (changed bool, added []string) {
	for key, pct := range src {
		if key == "" {
			continue
		}
		pct = Clamp(pct)
		cur, ok := dst[key]
		if !ok {
			dst[key] = pct
			added = append(added, key)
			changed = true
			continue
		}
		if pct > cur {
			dst[key] = pct
			changed = true
		}
	}
	return changed, added
}

// ByAddress looks up a percent under a normalized address key.
func (t *Table) ByAddress(key string) (int, bool) {
	pct, ok := t.byAddress[key]
	return pct, ok
}

// ByName looks up a percent under a normalized name key.
func (t *Table) ByName(key string) (int, bool) {
	pct, ok := t.byName[key]
	return pct, ok
}

// BuiltAt returns the time the table was last rebuilt in full.
func (t *Table) BuiltAt() time.Time {
	return t.builtAt
}

// Len returns the total number of stored keys across both mappings.
func (t *Table) Len() int {
	return len(t.byAddress) + len(t.byName)
}

// SideState is the per-accessory split-bud evidence, keyed externally by
// normalized name. Percents follow max-wins; connected and charging flags
// keep the first non-nil observation so a known flag is never overwritten
// by a later unknown.
type SideState struct {
	Left  *int
	Right *int
	Case  *int

	LeftConnected  *bool
	RightConnected *bool

	LeftCharging  *bool
	RightCharging *bool
	CaseCharging  *bool
}

// HasData reports whether any per-side field carries a value.
func (s *SideState) HasData() bool {
	if s == nil {
		return false
	}
	return s.Left != nil || s.Right != nil || s.Case != nil ||
		s.LeftConnected != nil || s.RightConnected != nil
}

// Merge folds another side state into this one. Returns true when any field
// changed.
func (s *SideState) Merge(o SideState) bool {
	changed := false
	changed = mergePct(&s.Left, o.Left) || changed
	changed = mergePct(&s.Right, o.Right) || changed
	changed = mergePct(&s.Case, o.Case) || changed
	changed = mergeFlag(&s.LeftConnected, o.LeftConnected) || changed
	changed = mergeFlag(&s.RightConnected, o.RightConnected) || changed
	changed = mergeFlag(&s.LeftCharging, o.LeftCharging) || changed
	changed = mergeFlag(&s.RightCharging, o.RightCharging) || changed
	changed = mergeFlag(&s.CaseCharging, o.CaseCharging) || changed
	return changed
}

func mergePct(dst **int, src *int) bool {
	if src == nil {
		return false
	}
	v := Clamp(*src)
	if *dst == nil || v > **dst {
		*dst = &v
		return true
	}
	return false
}

func mergeFlag(dst **bool, src *bool) bool {
	if src == nil || *dst != nil {
		return false
	}
	v := *src
	*dst = &v
	return true
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *SideState) Clone() *SideState {
	if s == nil {
		return nil
	}
	out := &SideState{}
	out.Left = copyPct(s.Left)
	out.Right = copyPct(s.Right)
	out.Case = copyPct(s.Case)
	out.LeftConnected = copyFlag(s.LeftConnected)
	out.RightConnected = copyFlag(s.RightConnected)
	out.LeftCharging = copyFlag(s.LeftCharging)
	out.RightCharging = copyFlag(s.RightCharging)
	out.CaseCharging = copyFlag(s.CaseCharging)
	return out
}

func copyPct(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFlag(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// SideTable maps normalized name keys to side states.
type SideTable map[string]*SideState

// Merge folds a side observation for a name key into the table.
func (t SideTable) Merge(nameKey string, s SideState) bool {
	if nameKey == "" {
		return false
	}
	cur, ok := t[nameKey]
	if !ok {
		cur = &SideState{}
		t[nameKey] = cur
	}
	return cur.Merge(s)
}

// Get returns the side state for a name key, or nil.
func (t SideTable) Get(nameKey string) *SideState {
	return t[nameKey]
}

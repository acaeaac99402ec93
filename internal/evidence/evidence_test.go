package evidence

import (
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{0, 0},
		{55, 55},
		{100, 100},
		{240, 100},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Fatalf("Clamp(%d) = %d, want %d", tt.in, got, tt.want)
		}
		// Clamping an already clamped value must be a no-op.
		if got := Clamp(Clamp(tt.in)); got != tt.want {
			t.Fatalf("Clamp(Clamp(%d)) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPartialObserveMaxWins(t *testing.T) {
	p := NewPartial()
	p.ObserveAddress("aabbcc", 40)
	p.ObserveAddress("aabbcc", 30)
	if got := p.ByAddress["aabbcc"]; got != 40 {
		t.Fatalf("lower observation overwrote higher: got %d, want 40", got)
	}
	p.ObserveAddress("aabbcc", 70)
	if got := p.ByAddress["aabbcc"]; got != 70 {
		t.Fatalf("higher observation ignored: got %d, want 70", got)
	}
	p.ObserveName("", 50)
	if len(p.ByName) != 0 {
		t.Fatalf("empty key was stored: %v", p.ByName)
	}
	p.ObserveName("airpodspro", 150)
	if got := p.ByName["airpodspro"]; got != 100 {
		t.Fatalf("observation not clamped: got %d, want 100", got)
	}
}

func TestTableMergeMonotonic(t *testing.T) {
	tbl := NewTable(time.Now())

	first := NewPartial()
	first.ObserveAddress("aabbcc", 60)
	first.ObserveName("airpodspro", 45)

	changed, added := tbl.Merge(first)
	if !changed {
		t.Fatalf("first merge reported no change")
	}
	if len(added) != 2 {
		t.Fatalf("first merge added = %v, want 2 keys", added)
	}

	// Merging the same evidence again is idempotent.
	changed, added = tbl.Merge(first)
	if changed || len(added) != 0 {
		t.Fatalf("idempotent merge reported changed=%v added=%v", changed, added)
	}

	// A lower reading never decreases the stored value.
	lower := NewPartial()
	lower.ObserveAddress("aabbcc", 20)
	changed, _ = tbl.Merge(lower)
	if changed {
		t.Fatalf("lower reading reported a change")
	}
	if got, _ := tbl.ByAddress("aabbcc"); got != 60 {
		t.Fatalf("stored value regressed to %d, want 60", got)
	}

	// A higher reading wins and is a change but not a new key.
	higher := NewPartial()
	higher.ObserveAddress("aabbcc", 80)
	changed, added = tbl.Merge(higher)
	if !changed {
		t.Fatalf("higher reading reported no change")
	}
	if len(added) != 0 {
		t.Fatalf("existing key reported as newly added: %v", added)
	}
	if got, _ := tbl.ByAddress("aabbcc"); got != 80 {
		t.Fatalf("stored value = %d, want 80", got)
	}
}

func TestTableKeysDoNotCross(t *testing.T) {
	tbl := NewTable(time.Now())
	p := NewPartial()
	p.ObserveAddress("aabbcc", 33)
	tbl.Merge(p)

	if _, ok := tbl.ByName("aabbcc"); ok {
		t.Fatalf("address key leaked into name table")
	}
	if _, ok := tbl.ByAddress("aabbcc"); !ok {
		t.Fatalf("address key missing from address table")
	}
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestSideStateMerge(t *testing.T) {
	s := &SideState{}

	changed := s.Merge(SideState{Left: intp(50), LeftConnected: boolp(true)})
	if !changed {
		t.Fatalf("initial merge reported no change")
	}
	if s.Left == nil || *s.Left != 50 {
		t.Fatalf("Left = %v, want 50", s.Left)
	}

	// Percent follows max-wins.
	s.Merge(SideState{Left: intp(30)})
	if *s.Left != 50 {
		t.Fatalf("Left regressed to %d", *s.Left)
	}
	s.Merge(SideState{Left: intp(90)})
	if *s.Left != 90 {
		t.Fatalf("Left = %d, want 90", *s.Left)
	}

	// Connected flags keep the first non-nil value.
	s.Merge(SideState{LeftConnected: boolp(false)})
	if s.LeftConnected == nil || !*s.LeftConnected {
		t.Fatalf("known connected flag was overwritten")
	}
	s.Merge(SideState{RightConnected: boolp(false)})
	if s.RightConnected == nil || *s.RightConnected {
		t.Fatalf("RightConnected = %v, want false", s.RightConnected)
	}
}

func TestSideTableMerge(t *testing.T) {
	tbl := make(SideTable)

	if tbl.Merge("", SideState{Left: intp(10)}) {
		t.Fatalf("empty key merge reported a change")
	}
	if !tbl.Merge("airpodspro", SideState{Left: intp(10), Case: intp(80)}) {
		t.Fatalf("merge reported no change")
	}
	got := tbl.Get("airpodspro")
	if got == nil || got.Left == nil || *got.Left != 10 || *got.Case != 80 {
		t.Fatalf("stored side state = %+v", got)
	}
	if tbl.Get("missing") != nil {
		t.Fatalf("missing key returned a state")
	}
}

func TestSideStateHasData(t *testing.T) {
	var nilState *SideState
	if nilState.HasData() {
		t.Fatalf("nil state reported data")
	}
	if (&SideState{}).HasData() {
		t.Fatalf("empty state reported data")
	}
	if !(&SideState{Case: intp(5)}).HasData() {
		t.Fatalf("case-only state reported no data")
	}
	if !(&SideState{RightConnected: boolp(false)}).HasData() {
		t.Fatalf("flag-only state reported no data")
	}
}

func TestSideStateClone(t *testing.T) {
	var nilState *SideState
	if nilState.Clone() != nil {
		t.Fatalf("nil state cloned to non-nil")
	}

	orig := &SideState{Left: intp(80), RightConnected: boolp(true)}
	clone := orig.Clone()
	if clone.Left == nil || *clone.Left != 80 || clone.RightConnected == nil || !*clone.RightConnected {
		t.Fatalf("clone = %+v", clone)
	}
	if clone.Right != nil || clone.Case != nil || clone.CaseCharging != nil {
		t.Fatalf("clone invented fields: %+v", clone)
	}

	*clone.Left = 5
	if *orig.Left != 80 {
		t.Fatalf("mutating the clone changed the original: %d", *orig.Left)
	}
}

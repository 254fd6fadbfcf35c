package browser

import (
	"sort"
	"time"
)

// MergedView combines several per-patient StudyFilterViews into one
// globally time-ordered projection, used when multiple patients are
// selected concurrently. It materializes (source view, source row, parsed
// datetime) tuples and rebuilds the whole list whenever any source view
// signals a change: N is the number of selected patients, small by
// construction, so a full rebuild and linear reverse lookup are fine.
type MergedView struct {
	notifier

	sources      []*StudyFilterView
	entries      []mergedEntry
	dirty        bool
	unsubscribes []func()
}

type mergedEntry struct {
	view    *StudyFilterView
	viewRow int
	when    time.Time
	dated   bool
}

// NewMergedView creates an empty merged view. Call SetSources to attach
// the per-patient study views.
func NewMergedView() *MergedView {
	return &MergedView{}
}

// SetSources replaces the set of merged study views and subscribes to each
// of them. Passing nil (or an empty slice) clears the view and releases
// all rebuild state.
func (v *MergedView) SetSources(sources []*StudyFilterView) {
	for _, u := range v.unsubscribes {
		u()
	}
	v.unsubscribes = nil
	v.sources = append([]*StudyFilterView(nil), sources...)
	for _, s := range v.sources {
		v.unsubscribes = append(v.unsubscribes, s.Subscribe(func(Event) {
			v.dirty = true
			v.emitReset()
		}))
	}
	if len(v.sources) == 0 {
		v.entries = nil
		v.dirty = false
	} else {
		v.dirty = true
	}
	v.emitReset()
}

// Sources returns the currently merged study views.
func (v *MergedView) Sources() []*StudyFilterView {
	return append([]*StudyFilterView(nil), v.sources...)
}

// Clear detaches every source and drops the materialized list.
func (v *MergedView) Clear() {
	v.SetSources(nil)
}

// Rebuild re-materializes the merged list from every source view, sorted
// descending by parsed (date, time); rows whose date fails to parse carry
// the zero timestamp and therefore sort last.
func (v *MergedView) Rebuild() {
	v.entries = v.entries[:0]
	for _, s := range v.sources {
		for row := 0; row < s.RowCount(); row++ {
			r, ok := s.RowAt(row)
			if !ok {
				continue
			}
			when, dated := parseDICOMDateTime(r.Date, r.Time)
			v.entries = append(v.entries, mergedEntry{view: s, viewRow: row, when: when, dated: dated})
		}
	}
	sort.SliceStable(v.entries, func(a, b int) bool {
		ea, eb := v.entries[a], v.entries[b]
		if ea.dated != eb.dated {
			return ea.dated
		}
		return ea.when.After(eb.when)
	})
	v.dirty = false
}

func (v *MergedView) ensure() {
	if v.dirty {
		v.Rebuild()
	}
}

// RowCount returns the number of merged rows; zero with no sources.
func (v *MergedView) RowCount() int {
	v.ensure()
	return len(v.entries)
}

// RowAt returns a copy of the merged row, or false when out of range.
func (v *MergedView) RowAt(i int) (StudyRow, bool) {
	v.ensure()
	if i < 0 || i >= len(v.entries) {
		return StudyRow{}, false
	}
	e := v.entries[i]
	return e.view.RowAt(e.viewRow)
}

// MapToSource resolves a merged row to its source view and view row.
func (v *MergedView) MapToSource(i int) (*StudyFilterView, int, bool) {
	v.ensure()
	if i < 0 || i >= len(v.entries) {
		return nil, -1, false
	}
	e := v.entries[i]
	return e.view, e.viewRow, true
}

// MapFromSource resolves a (source view, view row) pair back to the merged
// index. Linear scan over the materialized list.
func (v *MergedView) MapFromSource(source *StudyFilterView, viewRow int) (int, bool) {
	v.ensure()
	for i, e := range v.entries {
		if e.view == source && e.viewRow == viewRow {
			return i, true
		}
	}
	return -1, false
}

package browser

import (
	"sort"
)

// The FilterViews are read-only, reorderable projections over a collection:
// they own no rows, hold only source indices, and recompute lazily after
// the source signals a change. A row is included iff its IsVisible flag is
// true at rebuild time; the flag itself is computed by the owning
// collection, the views add no filtering of their own beyond the tab-width
// budget on the patient level.

// Estimated rendered width per row in the tabbed patient bar. Fixed-width
// approximation: no font metrics in a headless core.
const (
	tabIconWidth     = 32
	tabCharWidth     = 8
	tabMaxTextWidth  = 200
	tabRowPadding    = 16
	defaultGridWidth = 0 // 0 columns means "one row" (1-D sequence)
)

// PatientFilterView projects the visible patients in descending insertion
// timestamp order, optionally truncated to a tab-width budget.
type PatientFilterView struct {
	notifier

	source      *PatientCollection
	rows        []int
	dirty       bool
	widthBudget int
	unsubscribe func()
}

// NewPatientFilterView creates a view over the collection and subscribes to
// its change events.
func NewPatientFilterView(source *PatientCollection) *PatientFilterView {
	v := &PatientFilterView{source: source, dirty: true}
	v.unsubscribe = source.Subscribe(func(Event) {
		v.dirty = true
		v.emitReset()
	})
	return v
}

// Close detaches the view from its source.
func (v *PatientFilterView) Close() {
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
}

// SetTabWidthBudget limits the view to the rows whose cumulative estimated
// rendered width fits the budget. Zero disables the limit; callers that do
// not render tabs never set one.
func (v *PatientFilterView) SetTabWidthBudget(px int) {
	if v.widthBudget == px {
		return
	}
	v.widthBudget = px
	v.dirty = true
	v.emitReset()
}

// Rebuild recomputes the projection immediately.
func (v *PatientFilterView) Rebuild() {
	v.rows = v.rows[:0]
	for i := 0; i < v.source.RowCount(); i++ {
		if r, ok := v.source.RowAt(i); ok && r.IsVisible {
			v.rows = append(v.rows, i)
		}
	}
	sort.SliceStable(v.rows, func(a, b int) bool {
		ra, _ := v.source.RowAt(v.rows[a])
		rb, _ := v.source.RowAt(v.rows[b])
		return ra.InsertTimestamp.After(rb.InsertTimestamp)
	})
	if v.widthBudget > 0 {
		v.rows = truncateToWidth(v.rows, v.widthBudget, func(i int) int {
			r, _ := v.source.RowAt(i)
			return estimateTabWidth(r.PatientName)
		})
	}
	v.dirty = false
}

func (v *PatientFilterView) ensure() {
	if v.dirty {
		v.Rebuild()
	}
}

// RowCount returns the number of projected rows.
func (v *PatientFilterView) RowCount() int {
	v.ensure()
	return len(v.rows)
}

// SourceIndex maps a view row to its insertion-order index in the source
// collection, or -1 when out of range.
func (v *PatientFilterView) SourceIndex(viewRow int) int {
	v.ensure()
	if viewRow < 0 || viewRow >= len(v.rows) {
		return -1
	}
	return v.rows[viewRow]
}

// RowAt returns a copy of the projected row, or false when out of range.
func (v *PatientFilterView) RowAt(viewRow int) (PatientRow, bool) {
	i := v.SourceIndex(viewRow)
	if i < 0 {
		return PatientRow{}, false
	}
	return v.source.RowAt(i)
}

// IndexFromUID returns the view row holding the patient UID, or -1.
func (v *PatientFilterView) IndexFromUID(uid string) int {
	v.ensure()
	for viewRow, i := range v.rows {
		if r, ok := v.source.RowAt(i); ok && r.PatientUID == uid {
			return viewRow
		}
	}
	return -1
}

// estimateTabWidth approximates the rendered width of one patient tab:
// icon plus text clamped to the max text width, plus padding.
func estimateTabWidth(name string) int {
	text := len(name) * tabCharWidth
	if text > tabMaxTextWidth {
		text = tabMaxTextWidth
	}
	return tabIconWidth + text + tabRowPadding
}

// truncateToWidth walks rows in order accumulating the estimated width and
// cuts the sequence once the cumulative width exceeds the budget.
func truncateToWidth(rows []int, budget int, widthOf func(int) int) []int {
	total := 0
	for n, i := range rows {
		total += widthOf(i)
		if total > budget {
			return rows[:n]
		}
	}
	return rows
}

// StudyFilterView projects the visible studies of one patient in descending
// (date, time) order; rows with an empty date or time sort last.
type StudyFilterView struct {
	notifier

	source      *StudyCollection
	rows        []int
	dirty       bool
	unsubscribe func()
}

// NewStudyFilterView creates a view over the collection and subscribes to
// its change events.
func NewStudyFilterView(source *StudyCollection) *StudyFilterView {
	v := &StudyFilterView{source: source, dirty: true}
	v.unsubscribe = source.Subscribe(func(Event) {
		v.dirty = true
		v.emitReset()
	})
	return v
}

// Close detaches the view from its source.
func (v *StudyFilterView) Close() {
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
}

// Source returns the study collection this view projects.
func (v *StudyFilterView) Source() *StudyCollection { return v.source }

// Rebuild recomputes the projection immediately.
func (v *StudyFilterView) Rebuild() {
	v.rows = v.rows[:0]
	for i := 0; i < v.source.RowCount(); i++ {
		if r, ok := v.source.RowAt(i); ok && r.IsVisible {
			v.rows = append(v.rows, i)
		}
	}
	sort.SliceStable(v.rows, func(a, b int) bool {
		ra, _ := v.source.RowAt(v.rows[a])
		rb, _ := v.source.RowAt(v.rows[b])
		return studyLess(&ra, &rb)
	})
	v.dirty = false
}

// studyLess orders studies descending by (date, time); rows lacking either
// sort after all dated ones.
func studyLess(a, b *StudyRow) bool {
	ta, okA := parseDICOMDateTime(a.Date, a.Time)
	tb, okB := parseDICOMDateTime(b.Date, b.Time)
	if okA != okB {
		return okA
	}
	if !okA {
		return false
	}
	return ta.After(tb)
}

func (v *StudyFilterView) ensure() {
	if v.dirty {
		v.Rebuild()
	}
}

// RowCount returns the number of projected rows.
func (v *StudyFilterView) RowCount() int {
	v.ensure()
	return len(v.rows)
}

// SourceIndex maps a view row to its source index, or -1.
func (v *StudyFilterView) SourceIndex(viewRow int) int {
	v.ensure()
	if viewRow < 0 || viewRow >= len(v.rows) {
		return -1
	}
	return v.rows[viewRow]
}

// RowAt returns a copy of the projected row, or false when out of range.
func (v *StudyFilterView) RowAt(viewRow int) (StudyRow, bool) {
	i := v.SourceIndex(viewRow)
	if i < 0 {
		return StudyRow{}, false
	}
	return v.source.RowAt(i)
}

// IndexFromUID returns the view row holding the study UID, or -1.
func (v *StudyFilterView) IndexFromUID(uid string) int {
	v.ensure()
	for viewRow, i := range v.rows {
		if r, ok := v.source.RowAt(i); ok && r.StudyInstanceUID == uid {
			return viewRow
		}
	}
	return -1
}

// SeriesFilterView projects the visible series of one study in ascending
// numeric series-number order, optionally presented as a 2-D grid.
type SeriesFilterView struct {
	notifier

	source      *SeriesCollection
	rows        []int
	dirty       bool
	columns     int
	unsubscribe func()
}

// NewSeriesFilterView creates a view over the collection and subscribes to
// its change events.
func NewSeriesFilterView(source *SeriesCollection) *SeriesFilterView {
	v := &SeriesFilterView{source: source, dirty: true, columns: defaultGridWidth}
	v.unsubscribe = source.Subscribe(func(Event) {
		v.dirty = true
		v.emitReset()
	})
	return v
}

// Close detaches the view from its source.
func (v *SeriesFilterView) Close() {
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
}

// Source returns the series collection this view projects.
func (v *SeriesFilterView) Source() *SeriesCollection { return v.source }

// Rebuild recomputes the projection immediately.
func (v *SeriesFilterView) Rebuild() {
	v.rows = v.rows[:0]
	for i := 0; i < v.source.RowCount(); i++ {
		if r, ok := v.source.RowAt(i); ok && r.IsVisible {
			v.rows = append(v.rows, i)
		}
	}
	sort.SliceStable(v.rows, func(a, b int) bool {
		ra, _ := v.source.RowAt(v.rows[a])
		rb, _ := v.source.RowAt(v.rows[b])
		return seriesLess(&ra, &rb)
	})
	v.dirty = false
}

// seriesLess orders series ascending by numeric series number; non-numeric
// numbers sort after all numeric ones and compare as strings among
// themselves.
func seriesLess(a, b *SeriesRow) bool {
	na, okA := a.NumericSeriesNumber()
	nb, okB := b.NumericSeriesNumber()
	switch {
	case okA && okB:
		return na < nb
	case okA != okB:
		return okA
	default:
		return a.SeriesNumber < b.SeriesNumber
	}
}

func (v *SeriesFilterView) ensure() {
	if v.dirty {
		v.Rebuild()
	}
}

// RowCount returns the number of projected rows in the 1-D sequence.
func (v *SeriesFilterView) RowCount() int {
	v.ensure()
	return len(v.rows)
}

// SourceIndex maps a view row to its source index, or -1.
func (v *SeriesFilterView) SourceIndex(viewRow int) int {
	v.ensure()
	if viewRow < 0 || viewRow >= len(v.rows) {
		return -1
	}
	return v.rows[viewRow]
}

// RowAt returns a copy of the projected row, or false when out of range.
func (v *SeriesFilterView) RowAt(viewRow int) (SeriesRow, bool) {
	i := v.SourceIndex(viewRow)
	if i < 0 {
		return SeriesRow{}, false
	}
	return v.source.RowAt(i)
}

// IndexFromUID returns the view row holding the series UID, or -1.
func (v *SeriesFilterView) IndexFromUID(uid string) int {
	v.ensure()
	for viewRow, i := range v.rows {
		if r, ok := v.source.RowAt(i); ok && r.SeriesInstanceUID == uid {
			return viewRow
		}
	}
	return -1
}

// SetColumnCount switches the grid presentation to n columns. A structural
// reset, not an incremental update. n <= 0 restores the 1-D sequence.
func (v *SeriesFilterView) SetColumnCount(n int) {
	if n < 0 {
		n = 0
	}
	if v.columns == n {
		return
	}
	v.columns = n
	v.emitReset()
}

// ColumnCount returns the configured grid column count; zero means the view
// presents a single row.
func (v *SeriesFilterView) ColumnCount() int { return v.columns }

// GridSize returns the 2-D shape of the projection: ceil(n/columns) rows by
// the configured columns. With no column count configured everything sits
// on one grid row.
func (v *SeriesFilterView) GridSize() (rows, cols int) {
	n := v.RowCount()
	if v.columns <= 0 {
		if n == 0 {
			return 0, 0
		}
		return 1, n
	}
	return (n + v.columns - 1) / v.columns, v.columns
}

// At resolves a grid cell to the projected series row, or false for cells
// past the end of the sequence.
func (v *SeriesFilterView) At(gridRow, gridCol int) (SeriesRow, bool) {
	rows, cols := v.GridSize()
	if gridRow < 0 || gridRow >= rows || gridCol < 0 || gridCol >= cols {
		return SeriesRow{}, false
	}
	return v.RowAt(gridRow*cols + gridCol)
}

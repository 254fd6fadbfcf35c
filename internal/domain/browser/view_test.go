package browser

import (
	"context"
	"testing"
	"time"
)

func TestPatientFilterView_OrdersByInsertTimestampDesc(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	store.SetInsertTimestamp("p1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store.SetInsertTimestamp("p2", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	c := newPatientCollection(store, nil)
	v := NewPatientFilterView(c)
	defer v.Close()

	if v.RowCount() != 2 {
		t.Fatalf("expected 2 rows, got %d", v.RowCount())
	}
	first, _ := v.RowAt(0)
	second, _ := v.RowAt(1)
	if first.PatientUID != "p2" || second.PatientUID != "p1" {
		t.Errorf("order = [%s %s], want [p2 p1]", first.PatientUID, second.PatientUID)
	}
	if v.IndexFromUID("p1") != 1 {
		t.Errorf("IndexFromUID(p1) = %d, want 1", v.IndexFromUID("p1"))
	}
}

func TestPatientFilterView_ExcludesHiddenRows(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)
	v := NewPatientFilterView(c)
	defer v.Close()

	var resets int
	v.Subscribe(func(e Event) {
		if e.Kind == EventReset {
			resets++
		}
	})

	c.SetPatientIDFilter("P1")
	if resets == 0 {
		t.Error("source change must reset the view")
	}
	if v.RowCount() != 1 {
		t.Fatalf("expected 1 visible row, got %d", v.RowCount())
	}
	r, _ := v.RowAt(0)
	if r.PatientUID != "p1" {
		t.Errorf("visible row = %s, want p1", r.PatientUID)
	}
	if v.IndexFromUID("p2") != -1 {
		t.Error("hidden rows must not resolve to a view index")
	}
}

func TestPatientFilterView_TabWidthBudget(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)
	v := NewPatientFilterView(c)
	defer v.Close()

	// Both names are 8 characters wide: 32 icon + 64 text + 16 padding
	// each. A 150px budget fits exactly one tab.
	if got := estimateTabWidth("Doe^John"); got != 112 {
		t.Fatalf("estimateTabWidth = %d, want 112", got)
	}
	v.SetTabWidthBudget(150)
	if v.RowCount() != 1 {
		t.Errorf("budget 150: got %d rows, want 1", v.RowCount())
	}
	v.SetTabWidthBudget(300)
	if v.RowCount() != 2 {
		t.Errorf("budget 300: got %d rows, want 2", v.RowCount())
	}
	v.SetTabWidthBudget(0)
	if v.RowCount() != 2 {
		t.Errorf("budget off: got %d rows, want 2", v.RowCount())
	}
}

func TestEstimateTabWidth_ClampsLongNames(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'X'
	}
	if got := estimateTabWidth(string(long)); got != tabIconWidth+tabMaxTextWidth+tabRowPadding {
		t.Errorf("long name width = %d, want %d", got, tabIconWidth+tabMaxTextWidth+tabRowPadding)
	}
}

func TestPatientFilterView_CloseStopsUpdates(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)
	v := NewPatientFilterView(c)

	before := v.RowCount()
	v.Close()

	store.RemovePatient("p2")
	c.Refresh(context.Background())
	if v.RowCount() != before {
		t.Errorf("closed view resized from %d to %d", before, v.RowCount())
	}
}

func TestStudyFilterView_OrdersByDateTimeDesc(t *testing.T) {
	store := NewMemStore()
	seedStudies(store)
	store.AddStudy("p1", "st-undated", map[string]string{StoreStudyDescription: "SCANNED FILM"})
	c := newStudyCollection(store)
	v := NewStudyFilterView(c)
	defer v.Close()

	if v.RowCount() != 3 {
		t.Fatalf("expected 3 rows, got %d", v.RowCount())
	}
	want := []string{"st2", "st1", "st-undated"}
	for i, uid := range want {
		r, _ := v.RowAt(i)
		if r.StudyInstanceUID != uid {
			t.Errorf("row %d = %s, want %s", i, r.StudyInstanceUID, uid)
		}
	}
	if v.IndexFromUID("st1") != 1 {
		t.Errorf("IndexFromUID(st1) = %d, want 1", v.IndexFromUID("st1"))
	}
	if v.Source() != c {
		t.Error("Source must return the projected collection")
	}
}

func TestSeriesFilterView_NumericOrder(t *testing.T) {
	store := NewMemStore()
	store.AddPatient("p1", map[string]string{StorePatientID: "P1"})
	store.AddStudy("p1", "st1", nil)
	store.AddSeries("st1", "se-a", map[string]string{StoreSeriesNumber: "10", StoreModality: "CT"})
	store.AddSeries("st1", "se-b", map[string]string{StoreSeriesNumber: "2", StoreModality: "CT"})
	store.AddSeries("st1", "se-c", map[string]string{StoreSeriesNumber: "SCOUT", StoreModality: "CT"})
	store.AddSeries("st1", "se-d", map[string]string{StoreSeriesNumber: "1", StoreModality: "CT"})

	c := NewSeriesCollection(testLogger(), store, nil, "P1", "st1")
	c.Refresh(context.Background())
	v := NewSeriesFilterView(c)
	defer v.Close()

	want := []string{"1", "2", "10", "SCOUT"}
	if v.RowCount() != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), v.RowCount())
	}
	for i, num := range want {
		r, _ := v.RowAt(i)
		if r.SeriesNumber != num {
			t.Errorf("row %d = %q, want %q", i, r.SeriesNumber, num)
		}
	}
}

func TestSeriesFilterView_Grid(t *testing.T) {
	store := NewMemStore()
	seedSeries(store)
	c := NewSeriesCollection(testLogger(), store, nil, "P1", "st1")
	c.Refresh(context.Background())
	v := NewSeriesFilterView(c)
	defer v.Close()

	rows, cols := v.GridSize()
	if rows != 1 || cols != 2 {
		t.Errorf("default grid = %dx%d, want 1x2", rows, cols)
	}

	var resets int
	v.Subscribe(func(e Event) {
		if e.Kind == EventReset {
			resets++
		}
	})
	v.SetColumnCount(1)
	if resets != 1 {
		t.Fatalf("column change emitted %d resets, want 1", resets)
	}
	v.SetColumnCount(1)
	if resets != 1 {
		t.Error("setting the same column count must not reset")
	}

	rows, cols = v.GridSize()
	if rows != 2 || cols != 1 {
		t.Errorf("grid = %dx%d, want 2x1", rows, cols)
	}
	r, ok := v.At(1, 0)
	if !ok || r.SeriesInstanceUID != "se2" {
		t.Errorf("At(1,0) = %v %v, want se2", r.SeriesInstanceUID, ok)
	}
	if _, ok := v.At(2, 0); ok {
		t.Error("cells past the sequence must report false")
	}

	v.SetColumnCount(0)
	rows, cols = v.GridSize()
	if rows != 1 || cols != 2 {
		t.Errorf("restored grid = %dx%d, want 1x2", rows, cols)
	}
}

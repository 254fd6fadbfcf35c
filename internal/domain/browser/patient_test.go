package browser

import (
	"context"
	"testing"
	"time"
)

// seedPatients builds the two-patient fixture used across the root-level
// tests: P1 with two studies (three series total), P2 with nothing yet.
func seedPatients(s *MemStore) {
	seedStudies(s)
	s.AddPatient("p2", map[string]string{StorePatientID: "P2", StorePatientName: "Roe^Jane"})
}

func newPatientCollection(store *MemStore, sched Scheduler) *PatientCollection {
	c := NewPatientCollection(testLogger(), store, sched)
	c.Refresh(context.Background())
	return c
}

func TestPatientCollection_RefreshBuildsTree(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	if c.RowCount() != 2 {
		t.Fatalf("expected 2 patients, got %d", c.RowCount())
	}

	p1, _ := c.RowByUID("p1")
	if p1.StudyCount != 2 || p1.SeriesCount != 3 {
		t.Errorf("P1 counts = %d studies / %d series, want 2/3", p1.StudyCount, p1.SeriesCount)
	}
	if !p1.IsVisible || p1.IsQueryResult {
		t.Errorf("P1 should be a visible non-placeholder: %+v", p1)
	}

	p2, _ := c.RowByUID("p2")
	if !p2.IsQueryResult {
		t.Error("P2 has no studies and no series, expected query-result placeholder")
	}
	if !p2.IsVisible {
		t.Error("placeholder patients stay visible")
	}
}

func TestPatientCollection_RefreshIdempotent(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	var events []Event
	c.Subscribe(func(e Event) { events = append(events, e) })
	c.Refresh(context.Background())

	if len(events) != 0 {
		t.Errorf("refresh against unchanged store emitted %d event(s): %+v", len(events), events)
	}
}

func TestPatientCollection_NestedRefreshIsNoop(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := NewPatientCollection(testLogger(), store, nil)

	// Re-entrant refresh triggered from a listener must be dropped, not
	// queued: one top-level pass, no recursion.
	var nested int
	c.Subscribe(func(Event) {
		nested++
		if nested < 5 {
			c.Refresh(context.Background())
		}
	})
	c.Refresh(context.Background())

	if c.RowCount() != 2 {
		t.Errorf("expected 2 patients, got %d", c.RowCount())
	}
}

func TestPatientCollection_NameAndIDFilters(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	c.SetPatientNameFilter("doe")
	p1, _ := c.RowByUID("p1")
	p2, _ := c.RowByUID("p2")
	if !p1.IsVisible || p2.IsVisible {
		t.Errorf("name filter: p1=%v p2=%v, want true/false", p1.IsVisible, p2.IsVisible)
	}

	c.SetPatientNameFilter("")
	c.SetPatientIDFilter("P2")
	p1, _ = c.RowByUID("p1")
	p2, _ = c.RowByUID("p2")
	if p1.IsVisible || !p2.IsVisible {
		t.Errorf("id filter: p1=%v p2=%v, want false/true", p1.IsVisible, p2.IsVisible)
	}
}

func TestPatientCollection_SeriesFilterHidesPatient(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	// No series of P1 is an US series; every study aggregate empties out
	// and the patient goes hidden. The placeholder P2 is unaffected.
	c.SetModalityFilter([]string{"US"})

	p1, _ := c.RowByUID("p1")
	if p1.IsVisible {
		t.Error("P1 should be hidden when no series passes the modality filter")
	}
	if p1.FilteredSeriesCount != 0 || p1.SeriesCount != 3 {
		t.Errorf("P1 counts = %d/%d, want 0/3", p1.FilteredSeriesCount, p1.SeriesCount)
	}
	p2, _ := c.RowByUID("p2")
	if !p2.IsVisible {
		t.Error("placeholder P2 must not be hidden by series filters")
	}

	c.SetModalityFilter(nil)
	p1, _ = c.RowByUID("p1")
	if !p1.IsVisible {
		t.Error("clearing the filter should restore P1")
	}
}

func TestPatientCollection_FilteredCountsNeverExceedTotals(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	for _, filter := range [][]string{nil, {"CT"}, {"MR"}, {"US"}} {
		c.SetModalityFilter(filter)
		for i := 0; i < c.RowCount(); i++ {
			r, _ := c.RowAt(i)
			if r.FilteredStudyCount > r.StudyCount {
				t.Errorf("filter %v: filtered studies %d > %d", filter, r.FilteredStudyCount, r.StudyCount)
			}
			if r.FilteredSeriesCount > r.SeriesCount {
				t.Errorf("filter %v: filtered series %d > %d", filter, r.FilteredSeriesCount, r.SeriesCount)
			}
		}
	}
}

func TestPatientCollection_RemovalTearsDownSubtree(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	var order []string
	c.SeriesCollectionFor("st1").Subscribe(func(e Event) {
		if e.Kind == EventReset {
			order = append(order, "series")
		}
	})
	c.StudyCollectionFor("p1").Subscribe(func(e Event) {
		if e.Kind == EventReset {
			order = append(order, "studies")
		}
	})
	c.Subscribe(func(e Event) {
		if e.Kind == EventRowsRemoved {
			order = append(order, "patient")
		}
	})

	store.RemovePatient("p1")
	c.Refresh(context.Background())

	want := []string{"series", "studies", "patient"}
	if len(order) != len(want) {
		t.Fatalf("teardown order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("teardown order = %v, want %v", order, want)
		}
	}
	if c.StudyCollectionFor("p1") != nil {
		t.Error("subtree should be gone")
	}
}

func TestPatientCollection_EnsureChildIdentity(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	first := c.EnsureStudyCollection("p1", "P1")
	if first != c.EnsureStudyCollection("p1", "P1") {
		t.Error("repeated ensure must return the identical child instance")
	}
	if first != c.StudyCollectionFor("p1") {
		t.Error("lookup must return the ensured instance")
	}
}

func TestPatientCollection_AllowedServersRoundTrip(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	sched := newFakeScheduler()
	sched.addServer("PACS1", false)
	sched.addServer("PACS2", true)
	c := newPatientCollection(store, sched)
	ctx := context.Background()

	// Select both. PACS2 is trusted so it stays implicit; only the
	// untrusted PACS1 gets an explicit allow.
	c.SaveAllowedServersToDB(ctx, "p1", []string{"PACS1", "PACS2"})

	allow, deny, err := store.ConnectionsInformation(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allow) != 1 || allow[0] != "PACS1" {
		t.Errorf("allow = %v, want [PACS1]", allow)
	}
	if len(deny) != 0 {
		t.Errorf("deny = %v, want empty", deny)
	}

	// Resolving from the store restores both: PACS1 explicitly, PACS2 by
	// trust.
	c.UpdateAllowedServersFromDB(ctx, "p1")
	r, _ := c.RowByUID("p1")
	if len(r.AllowedServers) != 2 || r.AllowedServers[0] != "PACS1" || r.AllowedServers[1] != "PACS2" {
		t.Errorf("resolved servers = %v, want [PACS1 PACS2]", r.AllowedServers)
	}

	// Deselect everything: the untrusted one flips to an explicit deny,
	// the trusted one stays implicit.
	c.SaveAllowedServersToDB(ctx, "p1", nil)
	allow, deny, _ = store.ConnectionsInformation(ctx, "p1")
	if len(allow) != 0 {
		t.Errorf("allow = %v, want empty", allow)
	}
	if len(deny) != 1 || deny[0] != "PACS1" {
		t.Errorf("deny = %v, want [PACS1]", deny)
	}

	c.UpdateAllowedServersFromDB(ctx, "p1")
	r, _ = c.RowByUID("p1")
	if len(r.AllowedServers) != 1 || r.AllowedServers[0] != "PACS2" {
		t.Errorf("resolved servers = %v, want [PACS2]", r.AllowedServers)
	}
}

func TestPatientCollection_QueryStudiesLifecycle(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	sched := newFakeScheduler()
	c := newPatientCollection(store, sched)
	ctx := context.Background()

	c.QueryStudies("p2", PriorityNormal)
	if len(sched.studyQueries) != 1 {
		t.Fatalf("expected one query submission, got %d", len(sched.studyQueries))
	}
	p2, _ := c.RowByUID("p2")
	if p2.OperationStatus != OpInProgress {
		t.Errorf("P2 not in progress: %v", p2.OperationStatus)
	}

	// The query found a study; it lands in the store before the callback.
	store.AddStudy("p2", "st-new", map[string]string{StoreStudyDate: "20240401"})
	store.AddSeries("st-new", "se-new", map[string]string{StoreModality: "CT"})

	c.DispatchJob(ctx, JobCallbackFinished, JobDetail{
		JobUID:           sched.studyQueries[0].JobUID,
		Type:             JobQueryStudies,
		PatientID:        "P2",
		QueriedStudyUIDs: []string{"st-new"},
	})

	p2, _ = c.RowByUID("p2")
	if p2.OperationStatus != OpCompleted {
		t.Errorf("P2 not completed: %v", p2.OperationStatus)
	}
	if p2.StudyCount != 1 || p2.SeriesCount != 1 {
		t.Errorf("P2 counts = %d/%d, want 1/1", p2.StudyCount, p2.SeriesCount)
	}
	if p2.IsQueryResult {
		t.Error("P2 stops being a placeholder once data arrives")
	}

	// Each queried study gets a follow-up series query at high priority.
	if len(sched.seriesQueries) != 1 || sched.seriesQueries[0].StudyInstanceUID != "st-new" {
		t.Errorf("expected follow-up series query for st-new, got %+v", sched.seriesQueries)
	}
}

func TestPatientCollection_JobFailureAndStop(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, newFakeScheduler())
	ctx := context.Background()

	c.DispatchJob(ctx, JobCallbackFailed, JobDetail{JobUID: "job-f", Type: JobQueryStudies, PatientID: "P1"})
	p1, _ := c.RowByUID("p1")
	if p1.OperationStatus != OpFailed {
		t.Errorf("P1 not failed: %v", p1.OperationStatus)
	}

	c.DispatchJob(ctx, JobCallbackUserStopped, JobDetail{JobUID: "job-s", Type: JobQueryStudies, PatientID: "P1"})
	p1, _ = c.RowByUID("p1")
	if p1.OperationStatus != OpNone {
		t.Errorf("stop should reset status, got %v", p1.OperationStatus)
	}
	if p1.StoppedJobUID != "job-s" {
		t.Errorf("stopped job not recorded: %q", p1.StoppedJobUID)
	}
}

func TestPatientCollection_CallbacksIgnoreUnknownPatient(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	var events []Event
	c.Subscribe(func(e Event) { events = append(events, e) })

	for _, kind := range []JobCallback{JobCallbackStarted, JobCallbackProgress, JobCallbackFinished, JobCallbackFailed, JobCallbackUserStopped} {
		c.DispatchJob(context.Background(), kind, JobDetail{JobUID: "job-x", PatientID: "NOBODY"})
	}
	if len(events) != 0 {
		t.Errorf("callbacks for unknown patient emitted events: %+v", events)
	}
}

func TestPatientCollection_InsertTimestampLoaded(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	ts := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	store.SetInsertTimestamp("p1", ts)

	c := newPatientCollection(store, nil)
	r, _ := c.RowByUID("p1")
	if !r.InsertTimestamp.Equal(ts) {
		t.Errorf("insert timestamp = %v, want %v", r.InsertTimestamp, ts)
	}
}

func TestPatientCollection_Clean(t *testing.T) {
	store := NewMemStore()
	seedPatients(store)
	c := newPatientCollection(store, nil)

	var kinds []EventKind
	c.Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })
	c.Clean()

	if c.RowCount() != 0 {
		t.Errorf("expected empty collection, got %d rows", c.RowCount())
	}
	if len(kinds) != 1 || kinds[0] != EventReset {
		t.Errorf("expected exactly one reset, got %v", kinds)
	}
	if c.StudyCollectionFor("p1") != nil || c.StudyCollectionFor("p2") != nil {
		t.Error("children must be dropped by clean")
	}
}

package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dicomdesk/dicomdesk/internal/domain/browser"
)

// browserFixture wires a real scheduler into the full browser stack the way
// the server does: callbacks flow through Handler.DispatchJob, HTTP requests
// through an echo router. The sink taps every callback after the handler has
// processed it, so a test that received an event may read the tree directly.
type browserFixture struct {
	store    *browser.MemStore
	sched    *Scheduler
	patients *browser.PatientCollection
	handler  *browser.Handler
	router   *echo.Echo
	tap      *sink
}

func newBrowserFixture(t *testing.T, exec Executor, workers int) *browserFixture {
	t.Helper()
	store := browser.NewMemStore()
	store.AddPatient("p1", map[string]string{
		browser.StorePatientID:   "P1",
		browser.StorePatientName: "Doe^John",
	})
	store.AddStudy("p1", "st1", map[string]string{
		browser.StoreStudyDescription: "CT CHEST",
		browser.StoreStudyDate:        "20240101",
	})
	store.AddSeries("st1", "se1", map[string]string{
		browser.StoreSeriesNumber: "1", browser.StoreModality: "CT",
	})
	store.AddInstance("se1", "sop-1", false)

	sched := New(zerolog.Nop(), exec, workers)
	t.Cleanup(sched.Close)

	patients := browser.NewPatientCollection(zerolog.Nop(), store, sched)
	handler := browser.NewHandler(patients)
	tap := newSink()
	sched.Notify = func(kind browser.JobCallback, d browser.JobDetail) {
		handler.DispatchJob(kind, d)
		tap.notify(kind, d)
	}
	handler.Bootstrap(context.Background())

	router := echo.New()
	handler.RegisterRoutes(router.Group("/api/v1"))

	return &browserFixture{
		store: store, sched: sched, patients: patients,
		handler: handler, router: router, tap: tap,
	}
}

func (f *browserFixture) post(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// A retrieve submitted over HTTP must come back to the exact series row it
// was submitted for, addressed from the root of the tree.
func TestScheduler_RetrieveCallbackReachesSeriesRow(t *testing.T) {
	var f *browserFixture
	exec := ExecutorFunc(func(_ context.Context, d *browser.JobDetail) error {
		if d.Type == browser.JobRetrieveSeries {
			f.store.SetLoadedInstanceCount(d.SeriesInstanceUID, 1)
		}
		return nil
	})
	f = newBrowserFixture(t, exec, 1)

	if rec := f.post(t, "/api/v1/studies/st1/series/se1/retrieve"); rec.Code != http.StatusAccepted {
		t.Fatalf("retrieve status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	d := f.tap.wait(t, browser.JobCallbackFinished)
	if d.PatientID != "P1" || d.StudyInstanceUID != "st1" || d.SeriesInstanceUID != "se1" {
		t.Fatalf("completion not addressed to the submitting row: %+v", d)
	}

	sc := f.patients.SeriesCollectionFor("st1")
	r, ok := sc.RowByUID("se1")
	if !ok {
		t.Fatal("se1 disappeared from the collection")
	}
	if r.OperationStatus != browser.OpCompleted {
		t.Errorf("se1 status = %v, want completed", r.OperationStatus)
	}
	if r.JobUID != "" {
		t.Errorf("se1 JobUID = %q, want cleared", r.JobUID)
	}
	if !r.IsLoaded || r.IsCloud || r.InstancesLoaded != 1 {
		t.Errorf("se1 flags not recomputed: loaded=%v cloud=%v count=%d",
			r.IsLoaded, r.IsCloud, r.InstancesLoaded)
	}
}

// Cancelling a study's queued job over HTTP must return even though the
// handler holds its own lock while asking the scheduler to stop: the
// user-stopped callback arrives afterwards, not re-entrantly.
func TestScheduler_ForceUpdateStopsQueuedJobWithoutBlockingHandler(t *testing.T) {
	gate := make(chan struct{})
	exec := ExecutorFunc(func(_ context.Context, d *browser.JobDetail) error {
		if d.Type == browser.JobQueryStudies {
			<-gate
		}
		return nil
	})
	f := newBrowserFixture(t, exec, 1)
	defer close(gate)

	// Occupy the single worker with a job addressed to nobody in the tree,
	// then queue a retrieve behind it so the series row holds a queued job.
	f.sched.QueryStudies("unrelated", browser.PriorityNormal, nil)
	f.tap.wait(t, browser.JobCallbackStarted)
	if rec := f.post(t, "/api/v1/studies/st1/series/se1/retrieve"); rec.Code != http.StatusAccepted {
		t.Fatalf("retrieve status = %d", rec.Code)
	}

	responded := make(chan int, 1)
	go func() {
		responded <- f.post(t, "/api/v1/studies/st1/jobs").Code
	}()
	select {
	case code := <-responded:
		if code != http.StatusAccepted {
			t.Fatalf("force-update status = %d, want %d", code, http.StatusAccepted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("force-update request never returned")
	}

	d := f.tap.wait(t, browser.JobCallbackUserStopped)
	if d.SeriesInstanceUID != "se1" {
		t.Fatalf("stopped job addressed to %q, want se1", d.SeriesInstanceUID)
	}
	sc := f.patients.SeriesCollectionFor("st1")
	if r, _ := sc.RowByUID("se1"); r.OperationStatus != browser.OpNone {
		t.Errorf("se1 status = %v, want none after the stop", r.OperationStatus)
	}
}

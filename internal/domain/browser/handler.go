package browser

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/dicomdesk/dicomdesk/pkg/pagination"
)

// Handler exposes the collection tree to the render layer over HTTP. The
// collections themselves are single-threaded; the handler serializes every
// entry point (HTTP requests and scheduler callbacks alike) behind one
// mutex so the core only ever runs on one logical thread.
type Handler struct {
	mu sync.Mutex

	patients *PatientCollection
	rootView *PatientFilterView
	merged   *MergedView

	selected []string
}

// NewHandler wraps the root collection with its patient view and an empty
// merged view.
func NewHandler(patients *PatientCollection) *Handler {
	return &Handler{
		patients: patients,
		rootView: NewPatientFilterView(patients),
		merged:   NewMergedView(),
	}
}

// DispatchJob delivers one scheduler callback into the tree under the
// handler's lock. Wire this as the scheduler's notification sink.
func (h *Handler) DispatchJob(kind JobCallback, d JobDetail) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patients.DispatchJob(context.Background(), kind, d)
}

// Bootstrap populates the tree from the store before the server starts
// taking requests.
func (h *Handler) Bootstrap(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patients.Refresh(ctx)
}

// RegisterRoutes mounts the browser API under the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients", h.ListPatients)
	g.GET("/patients/:uid", h.GetPatient)
	g.GET("/patients/:uid/studies", h.ListStudies)
	g.GET("/patients/:uid/servers", h.GetAllowedServers)
	g.PUT("/patients/:uid/servers", h.SaveAllowedServers)
	g.POST("/patients/:uid/query", h.QueryStudies)
	g.GET("/studies/:uid/series", h.ListSeries)
	g.POST("/studies/:uid/jobs", h.ForceUpdateStudyJobs)
	g.POST("/studies/:study/series/:uid/retrieve", h.RetrieveSeries)
	g.GET("/merged", h.ListMerged)
	g.PUT("/selection", h.SetSelection)
	g.GET("/filters", h.GetFilters)
	g.PUT("/filters", h.SetFilters)
	g.POST("/refresh", h.Refresh)
	g.POST("/clean", h.Clean)
}

// ListPatients returns the visible patients in view order, one page at a
// time.
func (h *Handler) ListPatients(c echo.Context) error {
	page := pagination.FromContext(c)
	h.mu.Lock()
	defer h.mu.Unlock()
	visible := h.rootView.RowCount()
	start, end := page.Window(visible)
	rows := make([]PatientRow, 0, end-start)
	for i := start; i < end; i++ {
		if r, ok := h.rootView.RowAt(i); ok {
			rows = append(rows, r)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patients": rows,
		"total":    h.patients.RowCount(),
		"limit":    page.Limit,
		"offset":   page.Offset,
		"has_more": page.HasMore(visible),
	})
}

// GetPatient returns one patient row by UID.
func (h *Handler) GetPatient(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, ok := h.patients.RowByUID(c.Param("uid"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	}
	return c.JSON(http.StatusOK, row)
}

// ListStudies returns the visible studies of one patient in view order.
func (h *Handler) ListStudies(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	view := h.patients.StudyViewFor(c.Param("uid"))
	if view == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	}
	rows := make([]StudyRow, 0, view.RowCount())
	for i := 0; i < view.RowCount(); i++ {
		if r, ok := view.RowAt(i); ok {
			rows = append(rows, r)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"studies": rows,
		"total":   view.Source().RowCount(),
	})
}

// ListSeries returns the visible series of one study in view order, with
// the grid shape when a column count is configured.
func (h *Handler) ListSeries(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	study := c.Param("uid")
	var view *SeriesFilterView
	for _, patientUID := range h.patients.PatientUIDs() {
		if sc := h.patients.StudyCollectionFor(patientUID); sc != nil {
			if v := sc.SeriesViewFor(study); v != nil {
				view = v
				break
			}
		}
	}
	if view == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "study not found"})
	}
	rows := make([]SeriesRow, 0, view.RowCount())
	for i := 0; i < view.RowCount(); i++ {
		if r, ok := view.RowAt(i); ok {
			rows = append(rows, r)
		}
	}
	gridRows, gridCols := view.GridSize()
	return c.JSON(http.StatusOK, map[string]any{
		"series":       rows,
		"total":        view.Source().RowCount(),
		"grid_rows":    gridRows,
		"grid_columns": gridCols,
	})
}

// ListMerged returns the merged multi-patient study sequence, one page at
// a time.
func (h *Handler) ListMerged(c echo.Context) error {
	page := pagination.FromContext(c)
	h.mu.Lock()
	defer h.mu.Unlock()
	total := h.merged.RowCount()
	start, end := page.Window(total)
	rows := make([]StudyRow, 0, end-start)
	for i := start; i < end; i++ {
		if r, ok := h.merged.RowAt(i); ok {
			rows = append(rows, r)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"studies":  rows,
		"selected": h.selected,
		"total":    total,
		"has_more": page.HasMore(total),
	})
}

type selectionRequest struct {
	PatientUIDs []string `json:"patient_uids"`
}

// SetSelection replaces the multi-patient selection feeding the merged
// view. Unknown UIDs are skipped.
func (h *Handler) SetSelection(c echo.Context) error {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var sources []*StudyFilterView
	var kept []string
	for _, uid := range req.PatientUIDs {
		if v := h.patients.StudyViewFor(uid); v != nil {
			sources = append(sources, v)
			kept = append(kept, uid)
		}
	}
	h.selected = kept
	h.merged.SetSources(sources)
	return c.JSON(http.StatusOK, map[string]any{"selected": kept})
}

type filtersPayload struct {
	PatientID         string   `json:"patient_id"`
	PatientName       string   `json:"patient_name"`
	StudyDescription  string   `json:"study_description"`
	SeriesDescription string   `json:"series_description"`
	Modalities        []string `json:"modalities"`
	DateMode          string   `json:"date_mode"`
	DateStart         string   `json:"date_start,omitempty"`
	DateEnd           string   `json:"date_end,omitempty"`
}

// GetFilters returns the current filter state.
func (h *Handler) GetFilters(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.patients.DateFilter()
	p := filtersPayload{
		PatientID:         h.patients.PatientIDFilter(),
		PatientName:       h.patients.PatientNameFilter(),
		StudyDescription:  h.patients.studyDescriptionFilter,
		SeriesDescription: h.patients.seriesDescriptionFilter,
		Modalities:        h.patients.modalityFilter,
		DateMode:          f.Mode.String(),
	}
	if !f.Start.IsZero() {
		p.DateStart = f.Start.Format("20060102")
	}
	if !f.End.IsZero() {
		p.DateEnd = f.End.Format("20060102")
	}
	return c.JSON(http.StatusOK, p)
}

// SetFilters applies a full filter state in one call; the cascade
// re-filters studies and series without re-querying the store.
func (h *Handler) SetFilters(c echo.Context) error {
	var req filtersPayload
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patients.SetPatientIDFilter(req.PatientID)
	h.patients.SetPatientNameFilter(req.PatientName)
	h.patients.SetStudyDescriptionFilter(req.StudyDescription)
	h.patients.SetSeriesDescriptionFilter(req.SeriesDescription)
	h.patients.SetModalityFilter(req.Modalities)

	f := DateFilter{Mode: ParseDateMode(req.DateMode)}
	if f.Mode == DateCustomRange {
		if t, ok := parseDICOMDate(req.DateStart); ok {
			f.Start = t
		}
		if t, ok := parseDICOMDate(req.DateEnd); ok {
			f.End = t
		}
	}
	h.patients.SetDateFilter(f)
	return c.NoContent(http.StatusNoContent)
}

// Refresh triggers a full top-down refresh of the tree.
func (h *Handler) Refresh(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patients.Refresh(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"patients": h.patients.RowCount()})
}

// Clean tears the whole tree down.
func (h *Handler) Clean(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merged.Clear()
	h.selected = nil
	h.patients.Clean()
	return c.NoContent(http.StatusNoContent)
}

// GetAllowedServers resolves and returns the patient's effective allowed
// connections.
func (h *Handler) GetAllowedServers(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	uid := c.Param("uid")
	h.patients.UpdateAllowedServersFromDB(c.Request().Context(), uid)
	row, ok := h.patients.RowByUID(uid)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	}
	return c.JSON(http.StatusOK, map[string]any{"allowed_servers": row.AllowedServers})
}

type serversRequest struct {
	AllowedServers []string `json:"allowed_servers"`
}

// SaveAllowedServers persists a desired allowed-server set for the patient.
func (h *Handler) SaveAllowedServers(c echo.Context) error {
	var req serversRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	uid := c.Param("uid")
	if _, ok := h.patients.RowByUID(uid); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	}
	h.patients.SaveAllowedServersToDB(c.Request().Context(), uid, req.AllowedServers)
	return c.NoContent(http.StatusNoContent)
}

// QueryStudies submits a remote study query for the patient.
func (h *Handler) QueryStudies(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	uid := c.Param("uid")
	if _, ok := h.patients.RowByUID(uid); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	}
	h.patients.QueryStudies(uid, PriorityNormal)
	return c.NoContent(http.StatusAccepted)
}

// ForceUpdateStudyJobs cancels or retries the study's jobs.
func (h *Handler) ForceUpdateStudyJobs(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patients.ForceUpdateStudyJobs(c.Param("uid"))
	return c.NoContent(http.StatusAccepted)
}

// RetrieveSeries submits a retrieve job for one series.
func (h *Handler) RetrieveSeries(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sc := h.patients.SeriesCollectionFor(c.Param("study"))
	if sc == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "study not found"})
	}
	sc.RetrieveSeries(c.Param("uid"), PriorityNormal)
	return c.NoContent(http.StatusAccepted)
}

// PatientView exposes the root filtered view, e.g. for the tab-width
// budget.
func (h *Handler) PatientView() *PatientFilterView { return h.rootView }

// Merged exposes the merged view for direct embedding.
func (h *Handler) Merged() *MergedView { return h.merged }

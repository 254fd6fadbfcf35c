package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StudyCollection caches the study rows of exactly one patient and lazily
// owns one SeriesCollection (plus its filtered view) per study. Study
// visibility aggregates the filtered series counts of the children.
type StudyCollection struct {
	notifier

	log       zerolog.Logger
	store     Store
	scheduler Scheduler

	patientUID string
	patientID  string

	rows  []*StudyRow
	index map[string]int

	children   map[string]*SeriesCollection
	childViews map[string]*SeriesFilterView

	dateFilter              DateFilter
	descriptionFilter       string
	modalityFilter          []string
	seriesDescriptionFilter string
	allowedServers          []string

	isUpdating bool
	now        func() time.Time
}

// NewStudyCollection creates an empty collection for one patient.
func NewStudyCollection(log zerolog.Logger, store Store, scheduler Scheduler, patientUID, patientID string) *StudyCollection {
	return &StudyCollection{
		log:        log.With().Str("patient_uid", patientUID).Logger(),
		store:      store,
		scheduler:  scheduler,
		patientUID: patientUID,
		patientID:  patientID,
		index:      map[string]int{},
		children:   map[string]*SeriesCollection{},
		childViews: map[string]*SeriesFilterView{},
		now:        time.Now,
	}
}

// SetStore swaps the backing store on this collection and every child.
func (c *StudyCollection) SetStore(s Store) {
	c.store = s
	for _, child := range c.children {
		child.SetStore(s)
	}
}

// SetScheduler swaps the scheduler on this collection and every child.
func (c *StudyCollection) SetScheduler(s Scheduler) {
	c.scheduler = s
	for _, child := range c.children {
		child.SetScheduler(s)
	}
}

// SetClock overrides the reference time used by the date filter.
func (c *StudyCollection) SetClock(now func() time.Time) { c.now = now }

// PatientUID returns the store-assigned key of the owning patient.
func (c *StudyCollection) PatientUID() string { return c.patientUID }

// PatientID returns the DICOM patient identifier.
func (c *StudyCollection) PatientID() string { return c.patientID }

// RowCount returns the number of cached studies, visible or not.
func (c *StudyCollection) RowCount() int { return len(c.rows) }

// RowAt returns a copy of the row at i, or false when out of range.
func (c *StudyCollection) RowAt(i int) (StudyRow, bool) {
	if i < 0 || i >= len(c.rows) {
		return StudyRow{}, false
	}
	return *c.rows[i], true
}

// RowByUID returns a copy of the row for the study UID.
func (c *StudyCollection) RowByUID(uid string) (StudyRow, bool) {
	i, ok := c.index[uid]
	if !ok {
		return StudyRow{}, false
	}
	return *c.rows[i], true
}

// IndexFromUID returns the insertion-order index of the study UID, or -1.
func (c *StudyCollection) IndexFromUID(uid string) int {
	i, ok := c.index[uid]
	if !ok {
		return -1
	}
	return i
}

// StudyInstanceUIDs lists every cached study UID in insertion order.
func (c *StudyCollection) StudyInstanceUIDs() []string {
	uids := make([]string, len(c.rows))
	for i, r := range c.rows {
		uids[i] = r.StudyInstanceUID
	}
	return uids
}

// FilteredStudyInstanceUIDs lists the UIDs of the currently visible rows.
func (c *StudyCollection) FilteredStudyInstanceUIDs() []string {
	var uids []string
	for _, r := range c.rows {
		if r.IsVisible {
			uids = append(uids, r.StudyInstanceUID)
		}
	}
	return uids
}

// FilteredStudyCount returns the number of visible rows.
func (c *StudyCollection) FilteredStudyCount() int {
	n := 0
	for _, r := range c.rows {
		if r.IsVisible {
			n++
		}
	}
	return n
}

// SeriesCollectionFor returns the child for the study UID without creating
// it. Nil when no child exists.
func (c *StudyCollection) SeriesCollectionFor(studyInstanceUID string) *SeriesCollection {
	return c.children[studyInstanceUID]
}

// SeriesViewFor returns the child's filtered view without creating it.
func (c *StudyCollection) SeriesViewFor(studyInstanceUID string) *SeriesFilterView {
	return c.childViews[studyInstanceUID]
}

// EnsureSeriesCollection returns the child for the study UID, creating it
// (and its view) on first call. Repeated calls with the same key return the
// identical instance.
func (c *StudyCollection) EnsureSeriesCollection(studyInstanceUID string) *SeriesCollection {
	if child, ok := c.children[studyInstanceUID]; ok {
		return child
	}
	child := NewSeriesCollection(c.log, c.store, c.scheduler, c.patientID, studyInstanceUID)
	child.SetModalityFilter(c.modalityFilter)
	child.SetDescriptionFilter(c.seriesDescriptionFilter)
	child.SetAllowedServers(c.allowedServers)
	c.children[studyInstanceUID] = child
	c.childViews[studyInstanceUID] = NewSeriesFilterView(child)
	return child
}

// RemoveSeriesCollection tears down the child for the study UID. The child
// is cleaned before it is dropped so scheduler callbacks cannot land on it.
func (c *StudyCollection) RemoveSeriesCollection(studyInstanceUID string) {
	if view, ok := c.childViews[studyInstanceUID]; ok {
		view.Close()
		delete(c.childViews, studyInstanceUID)
	}
	if child, ok := c.children[studyInstanceUID]; ok {
		child.Clean()
		delete(c.children, studyInstanceUID)
	}
}

// SetDateFilter sets the study date window and re-filters in place.
func (c *StudyCollection) SetDateFilter(f DateFilter) {
	c.dateFilter = f
	c.ApplyFilters()
}

// DateFilter returns the current study date window.
func (c *StudyCollection) DateFilter() DateFilter { return c.dateFilter }

// SetDescriptionFilter sets the study description substring filter.
func (c *StudyCollection) SetDescriptionFilter(filter string) {
	c.descriptionFilter = filter
	c.ApplyFilters()
}

// DescriptionFilter returns the study description substring filter.
func (c *StudyCollection) DescriptionFilter() string { return c.descriptionFilter }

// SetModalityFilter propagates the allowed modality set to every existing
// child and re-aggregates study visibility. A cheap cascade: no store
// re-query happens.
func (c *StudyCollection) SetModalityFilter(allowed []string) {
	c.modalityFilter = append([]string(nil), allowed...)
	for _, child := range c.children {
		child.SetModalityFilter(allowed)
	}
	c.ApplyFilters()
}

// SetSeriesDescriptionFilter propagates the series description filter to
// every existing child and re-aggregates study visibility.
func (c *StudyCollection) SetSeriesDescriptionFilter(filter string) {
	c.seriesDescriptionFilter = filter
	for _, child := range c.children {
		child.SetDescriptionFilter(filter)
	}
	c.ApplyFilters()
}

// SetAllowedServers propagates the server policy to every existing child.
func (c *StudyCollection) SetAllowedServers(servers []string) {
	c.allowedServers = append([]string(nil), servers...)
	for _, child := range c.children {
		child.SetAllowedServers(servers)
	}
}

// SetCollapsed records the UI expand state for a study row.
func (c *StudyCollection) SetCollapsed(studyInstanceUID string, collapsed bool) {
	i, ok := c.index[studyInstanceUID]
	if !ok {
		return
	}
	if c.rows[i].IsCollapsed == collapsed {
		return
	}
	c.rows[i].IsCollapsed = collapsed
	c.emitChanged(i, i, FieldIsCollapsed)
}

// ApplyFilters recomputes the series counts and visibility of every study
// row from current child state, emitting one change event covering the rows
// whose values actually differed.
func (c *StudyCollection) ApplyFilters() {
	span := newChangeSpan()
	for i, r := range c.rows {
		if c.recomputeRow(r) {
			span.add(i)
		}
	}
	if span.any {
		c.emitChanged(span.first, span.last)
	}
}

// recomputeRow refreshes the aggregate fields of one study row. Reports
// whether anything changed.
func (c *StudyCollection) recomputeRow(r *StudyRow) bool {
	seriesCount, filteredCount := 0, 0
	if child, ok := c.children[r.StudyInstanceUID]; ok {
		seriesCount = child.RowCount()
		filteredCount = child.FilteredSeriesCount()
	}
	visible := c.rowPassesFilters(r) && (seriesCount == 0 || filteredCount != 0)

	changed := false
	if seriesCount != r.SeriesCount {
		r.SeriesCount, changed = seriesCount, true
	}
	if filteredCount != r.FilteredSeriesCount {
		r.FilteredSeriesCount, changed = filteredCount, true
	}
	if visible != r.IsVisible {
		r.IsVisible, changed = visible, true
	}
	return changed
}

// rowPassesFilters evaluates the study's own predicates: date window and
// description substring. The zero-series placeholder rule lives in
// recomputeRow, not here.
func (c *StudyCollection) rowPassesFilters(r *StudyRow) bool {
	return c.dateFilter.Matches(r.Date, c.now()) &&
		matchesSubstring(r.Description, c.descriptionFilter)
}

// Refresh re-queries the store for the patient's study UIDs and diffs them
// against the cached rows. Unseen UIDs get a row and, eagerly, a
// SeriesCollection refreshed in the same pass so counts are immediately
// consistent; stale UIDs are torn down child-first; surviving rows have
// their aggregates recomputed with change events only on real differences.
func (c *StudyCollection) Refresh(ctx context.Context) {
	if c.store == nil {
		c.log.Warn().Msg("study refresh skipped: no store configured")
		return
	}
	if c.isUpdating {
		return
	}
	c.isUpdating = true
	defer func() { c.isUpdating = false }()

	uids, err := c.store.StudyUIDsForPatient(ctx, c.patientUID)
	if err != nil {
		c.log.Error().Err(err).Msg("study refresh: store query failed")
		return
	}

	current := make(map[string]bool, len(uids))
	for _, uid := range uids {
		current[uid] = true
	}
	c.removeStale(current)
	added := c.addNew(ctx, uids)
	c.updateExisting(added)
}

func (c *StudyCollection) removeStale(current map[string]bool) {
	for end := len(c.rows) - 1; end >= 0; end-- {
		if current[c.rows[end].StudyInstanceUID] {
			continue
		}
		start := end
		for start > 0 && !current[c.rows[start-1].StudyInstanceUID] {
			start--
		}
		// Children go first: series before the study row disappears.
		for i := start; i <= end; i++ {
			c.RemoveSeriesCollection(c.rows[i].StudyInstanceUID)
		}
		c.rows = append(c.rows[:start], c.rows[end+1:]...)
		c.reindex()
		c.emitRemoved(start, end)
		end = start
	}
}

func (c *StudyCollection) reindex() {
	c.index = make(map[string]int, len(c.rows))
	for i, r := range c.rows {
		c.index[r.StudyInstanceUID] = i
	}
}

func (c *StudyCollection) addNew(ctx context.Context, uids []string) map[string]bool {
	added := map[string]bool{}
	first := -1
	for _, uid := range uids {
		if _, ok := c.index[uid]; ok {
			continue
		}
		row := c.loadRow(ctx, uid)
		child := c.EnsureSeriesCollection(uid)
		child.Refresh(ctx)
		c.recomputeRowFor(row, child)
		c.index[uid] = len(c.rows)
		c.rows = append(c.rows, row)
		added[uid] = true
		if first < 0 {
			first = c.index[uid]
		}
	}
	if first >= 0 {
		c.emitAdded(first, len(c.rows)-1)
	}
	return added
}

func (c *StudyCollection) recomputeRowFor(r *StudyRow, child *SeriesCollection) {
	r.SeriesCount = child.RowCount()
	r.FilteredSeriesCount = child.FilteredSeriesCount()
	r.IsVisible = c.rowPassesFilters(r) && (r.SeriesCount == 0 || r.FilteredSeriesCount != 0)
}

func (c *StudyCollection) updateExisting(added map[string]bool) {
	span := newChangeSpan()
	for i, r := range c.rows {
		if added[r.StudyInstanceUID] {
			continue
		}
		if c.recomputeRow(r) {
			span.add(i)
		}
	}
	if span.any {
		c.emitChanged(span.first, span.last)
	}
}

// loadRow reads one study row from the store. New rows default collapsed.
func (c *StudyCollection) loadRow(ctx context.Context, uid string) *StudyRow {
	field := func(name string) string {
		v, err := c.store.StudyField(ctx, uid, name)
		if err != nil {
			c.log.Debug().Err(err).Str("study_uid", uid).Str("field", name).Msg("study field unavailable")
			return ""
		}
		return v
	}
	return &StudyRow{
		StudyInstanceUID:  uid,
		PatientUID:        c.patientUID,
		PatientID:         c.patientID,
		StudyID:           field(StoreStudyID),
		Description:       field(StoreStudyDescription),
		Date:              field(StoreStudyDate),
		Time:              field(StoreStudyTime),
		AccessionNumber:   field(StoreAccessionNumber),
		ModalitiesInStudy: field(StoreModalitiesInStudy),
		IsCollapsed:       true,
	}
}

// ForceUpdateStudyJobs cancels the study's running or queued jobs; when
// none exist it retries its failed or stopped ones instead. Exactly one of
// the two branches executes; the result arrives later through the normal
// callback path.
func (c *StudyCollection) ForceUpdateStudyJobs(studyInstanceUID string) {
	if c.scheduler == nil {
		c.log.Warn().Msg("force-update skipped: no scheduler configured")
		return
	}
	i, ok := c.index[studyInstanceUID]
	if !ok {
		return
	}
	var uids []string
	if c.rows[i].StoppedJobUID != "" {
		uids = append(uids, c.rows[i].StoppedJobUID)
	}
	if child, ok := c.children[studyInstanceUID]; ok {
		for _, r := range child.rows {
			if r.JobUID != "" {
				uids = append(uids, r.JobUID)
			}
		}
	}
	stopOrRetryJobs(c.scheduler, uids)
}

// routeToChild resolves the child addressed by a job payload.
func (c *StudyCollection) routeToChild(d JobDetail) (*SeriesCollection, int, bool) {
	if d.StudyInstanceUID == "" {
		return nil, -1, false
	}
	i, ok := c.index[d.StudyInstanceUID]
	if !ok {
		return nil, -1, false
	}
	child, ok := c.children[d.StudyInstanceUID]
	if !ok {
		return nil, -1, false
	}
	return child, i, true
}

// OnJobStarted marks the addressed study in progress and forwards to the
// series level. Unknown UIDs and callbacks mid-refresh are ignored.
func (c *StudyCollection) OnJobStarted(d JobDetail) {
	if c.isUpdating {
		return
	}
	child, i, ok := c.routeToChild(d)
	if !ok {
		return
	}
	if c.rows[i].OperationStatus != OpInProgress {
		c.rows[i].OperationStatus = OpInProgress
		c.emitChanged(i, i, FieldOperationStatus)
	}
	child.OnJobStarted(d)
}

// UpdateFromScheduler forwards a progress report to the series level.
func (c *StudyCollection) UpdateFromScheduler(d JobDetail) {
	if c.isUpdating {
		return
	}
	if child, _, ok := c.routeToChild(d); ok {
		child.UpdateFromScheduler(d)
	}
}

// OnJobFinished completes the addressed study. A finished query-series job
// re-runs the child's store diff (new series may have appeared) before the
// study aggregates are recomputed.
func (c *StudyCollection) OnJobFinished(ctx context.Context, d JobDetail) {
	if c.isUpdating {
		return
	}
	child, i, ok := c.routeToChild(d)
	if !ok {
		return
	}
	if d.Type == JobQuerySeries {
		child.Refresh(ctx)
	} else {
		child.OnJobFinished(ctx, d)
	}
	r := c.rows[i]
	r.OperationStatus = OpCompleted
	c.recomputeRow(r)
	c.emitChanged(i, i)
}

// OnJobFailed marks the addressed study failed and forwards down.
func (c *StudyCollection) OnJobFailed(d JobDetail) {
	if c.isUpdating {
		return
	}
	child, i, ok := c.routeToChild(d)
	if !ok {
		return
	}
	c.rows[i].OperationStatus = OpFailed
	c.emitChanged(i, i, FieldOperationStatus)
	child.OnJobFailed(d)
}

// OnJobUserStopped records the stopped job so ForceUpdateStudyJobs can
// retry it, and forwards down.
func (c *StudyCollection) OnJobUserStopped(d JobDetail) {
	if c.isUpdating {
		return
	}
	child, i, ok := c.routeToChild(d)
	if !ok {
		return
	}
	r := c.rows[i]
	r.OperationStatus = OpNone
	r.StoppedJobUID = d.JobUID
	c.emitChanged(i, i, FieldOperationStatus)
	child.OnJobUserStopped(d)
}

// Clean tears everything down depth-first: every series collection, then
// the study rows, then one reset event.
func (c *StudyCollection) Clean() {
	for uid := range c.children {
		c.RemoveSeriesCollection(uid)
	}
	c.rows = nil
	c.index = map[string]int{}
	c.emitReset()
}

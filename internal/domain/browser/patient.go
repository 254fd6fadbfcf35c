package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PatientCollection is the root cache of all patients in the backing store.
// It lazily owns a StudyCollection (plus filtered view) per patient,
// aggregates study/series counts into patient visibility, routes scheduler
// callbacks down the tree by UID, and maintains the allowed-server policy.
type PatientCollection struct {
	notifier

	log       zerolog.Logger
	store     Store
	scheduler Scheduler

	rows  []*PatientRow
	index map[string]int

	children   map[string]*StudyCollection
	childViews map[string]*StudyFilterView

	idFilter   string
	nameFilter string

	// Child-level filter state, held here so lazily created children start
	// with the current settings.
	dateFilter              DateFilter
	studyDescriptionFilter  string
	seriesDescriptionFilter string
	modalityFilter          []string

	isUpdating bool
	now        func() time.Time
}

// NewPatientCollection creates the root collection. Store and scheduler may
// be nil; dependent operations then log and no-op.
func NewPatientCollection(log zerolog.Logger, store Store, scheduler Scheduler) *PatientCollection {
	return &PatientCollection{
		log:        log.With().Str("component", "patient-collection").Logger(),
		store:      store,
		scheduler:  scheduler,
		index:      map[string]int{},
		children:   map[string]*StudyCollection{},
		childViews: map[string]*StudyFilterView{},
		now:        time.Now,
	}
}

// SetStore swaps the backing store on the whole tree.
func (c *PatientCollection) SetStore(s Store) {
	c.store = s
	for _, child := range c.children {
		child.SetStore(s)
	}
}

// SetScheduler swaps the scheduler on the whole tree.
func (c *PatientCollection) SetScheduler(s Scheduler) {
	c.scheduler = s
	for _, child := range c.children {
		child.SetScheduler(s)
	}
}

// SetClock overrides the reference time used by the date filters.
func (c *PatientCollection) SetClock(now func() time.Time) {
	c.now = now
	for _, child := range c.children {
		child.SetClock(now)
	}
}

// RowCount returns the number of cached patients, visible or not.
func (c *PatientCollection) RowCount() int { return len(c.rows) }

// RowAt returns a copy of the row at i, or false when out of range.
func (c *PatientCollection) RowAt(i int) (PatientRow, bool) {
	if i < 0 || i >= len(c.rows) {
		return PatientRow{}, false
	}
	return *c.rows[i], true
}

// RowByUID returns a copy of the row for the patient UID.
func (c *PatientCollection) RowByUID(uid string) (PatientRow, bool) {
	i, ok := c.index[uid]
	if !ok {
		return PatientRow{}, false
	}
	return *c.rows[i], true
}

// IndexFromUID returns the insertion-order index of the patient UID, or -1.
func (c *PatientCollection) IndexFromUID(uid string) int {
	i, ok := c.index[uid]
	if !ok {
		return -1
	}
	return i
}

// PatientUIDs lists every cached patient UID in insertion order.
func (c *PatientCollection) PatientUIDs() []string {
	uids := make([]string, len(c.rows))
	for i, r := range c.rows {
		uids[i] = r.PatientUID
	}
	return uids
}

// StudyCollectionFor returns the child for the patient UID without
// creating it. Nil when no child exists.
func (c *PatientCollection) StudyCollectionFor(patientUID string) *StudyCollection {
	return c.children[patientUID]
}

// StudyViewFor returns the child's filtered view without creating it.
func (c *PatientCollection) StudyViewFor(patientUID string) *StudyFilterView {
	return c.childViews[patientUID]
}

// SeriesCollectionFor resolves the series collection owning the study UID
// anywhere in the tree, without creating anything.
func (c *PatientCollection) SeriesCollectionFor(studyInstanceUID string) *SeriesCollection {
	for _, child := range c.children {
		if sc := child.SeriesCollectionFor(studyInstanceUID); sc != nil {
			return sc
		}
	}
	return nil
}

// studyCollectionOwning resolves the study collection holding the study UID.
func (c *PatientCollection) studyCollectionOwning(studyInstanceUID string) *StudyCollection {
	for _, child := range c.children {
		if child.IndexFromUID(studyInstanceUID) >= 0 {
			return child
		}
	}
	return nil
}

// EnsureStudyCollection returns the child for the patient UID, creating it
// (and its view) on first call with the current filter state applied.
// Repeated calls with the same key return the identical instance.
func (c *PatientCollection) EnsureStudyCollection(patientUID, patientID string) *StudyCollection {
	if child, ok := c.children[patientUID]; ok {
		return child
	}
	child := NewStudyCollection(c.log, c.store, c.scheduler, patientUID, patientID)
	child.SetClock(c.now)
	child.SetDateFilter(c.dateFilter)
	child.SetDescriptionFilter(c.studyDescriptionFilter)
	child.SetModalityFilter(c.modalityFilter)
	child.SetSeriesDescriptionFilter(c.seriesDescriptionFilter)
	c.children[patientUID] = child
	c.childViews[patientUID] = NewStudyFilterView(child)
	return child
}

// RemoveStudyCollection tears down the child for the patient UID,
// depth-first: its series collections go before the study rows.
func (c *PatientCollection) RemoveStudyCollection(patientUID string) {
	if view, ok := c.childViews[patientUID]; ok {
		view.Close()
		delete(c.childViews, patientUID)
	}
	if child, ok := c.children[patientUID]; ok {
		child.Clean()
		delete(c.children, patientUID)
	}
}

// SetPatientIDFilter sets the case-insensitive substring filter on the
// patient ID and re-filters in place.
func (c *PatientCollection) SetPatientIDFilter(filter string) {
	c.idFilter = filter
	c.ApplyFilters()
}

// PatientIDFilter returns the current patient ID filter.
func (c *PatientCollection) PatientIDFilter() string { return c.idFilter }

// SetPatientNameFilter sets the case-insensitive substring filter on the
// patient name and re-filters in place.
func (c *PatientCollection) SetPatientNameFilter(filter string) {
	c.nameFilter = filter
	c.ApplyFilters()
}

// PatientNameFilter returns the current patient name filter.
func (c *PatientCollection) PatientNameFilter() string { return c.nameFilter }

// SetDateFilter propagates the study date window to every child and
// re-aggregates patient visibility.
func (c *PatientCollection) SetDateFilter(f DateFilter) {
	c.dateFilter = f
	for _, child := range c.children {
		child.SetDateFilter(f)
	}
	c.ApplyFilters()
}

// DateFilter returns the current study date window.
func (c *PatientCollection) DateFilter() DateFilter { return c.dateFilter }

// SetStudyDescriptionFilter propagates the study description filter.
func (c *PatientCollection) SetStudyDescriptionFilter(filter string) {
	c.studyDescriptionFilter = filter
	for _, child := range c.children {
		child.SetDescriptionFilter(filter)
	}
	c.ApplyFilters()
}

// SetSeriesDescriptionFilter propagates the series description filter
// through the studies down to every series collection.
func (c *PatientCollection) SetSeriesDescriptionFilter(filter string) {
	c.seriesDescriptionFilter = filter
	for _, child := range c.children {
		child.SetSeriesDescriptionFilter(filter)
	}
	c.ApplyFilters()
}

// SetModalityFilter propagates the allowed modality set down the tree.
func (c *PatientCollection) SetModalityFilter(allowed []string) {
	c.modalityFilter = append([]string(nil), allowed...)
	for _, child := range c.children {
		child.SetModalityFilter(allowed)
	}
	c.ApplyFilters()
}

// ApplyFilters recomputes counts and visibility for every patient row from
// current child state, emitting one change event covering rows whose
// values actually differed.
func (c *PatientCollection) ApplyFilters() {
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

// recomputeRow refreshes the aggregates of one patient row from its child.
// The series totals aggregate over all of the patient's studies, filtered
// or not; only the filtered series total respects the series filters.
func (c *PatientCollection) recomputeRow(r *PatientRow) bool {
	studyCount, filteredStudyCount := 0, 0
	seriesCount, filteredSeriesCount := 0, 0
	if child, ok := c.children[r.PatientUID]; ok {
		studyCount = child.RowCount()
		filteredStudyCount = child.FilteredStudyCount()
		for _, uid := range child.StudyInstanceUIDs() {
			if sc := child.SeriesCollectionFor(uid); sc != nil {
				seriesCount += sc.RowCount()
				filteredSeriesCount += sc.FilteredSeriesCount()
			}
		}
	}
	isQueryResult := studyCount == 0 && seriesCount == 0
	visible := ((studyCount > 0 && filteredStudyCount != 0 && seriesCount > 0 && filteredSeriesCount != 0) || isQueryResult) &&
		matchesSubstring(r.PatientID, c.idFilter) &&
		matchesSubstring(r.PatientName, c.nameFilter)

	changed := false
	if studyCount != r.StudyCount {
		r.StudyCount, changed = studyCount, true
	}
	if filteredStudyCount != r.FilteredStudyCount {
		r.FilteredStudyCount, changed = filteredStudyCount, true
	}
	if seriesCount != r.SeriesCount {
		r.SeriesCount, changed = seriesCount, true
	}
	if filteredSeriesCount != r.FilteredSeriesCount {
		r.FilteredSeriesCount, changed = filteredSeriesCount, true
	}
	if isQueryResult != r.IsQueryResult {
		r.IsQueryResult, changed = isQueryResult, true
	}
	if visible != r.IsVisible {
		r.IsVisible, changed = visible, true
	}
	return changed
}

// Refresh re-queries the store for all patient UIDs and diffs them against
// the cached rows. Children are created or refreshed before their parent
// row's counts are computed, so counts are always consistent with the
// just-refreshed children. A refresh already in flight makes nested calls
// a no-op.
func (c *PatientCollection) Refresh(ctx context.Context) {
	if c.store == nil {
		c.log.Warn().Msg("patient refresh skipped: no store configured")
		return
	}
	if c.isUpdating {
		return
	}
	c.isUpdating = true
	defer func() { c.isUpdating = false }()

	uids, err := c.store.PatientUIDs(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("patient refresh: store query failed")
		return
	}

	current := make(map[string]bool, len(uids))
	for _, uid := range uids {
		current[uid] = true
	}
	c.removeStale(current)

	firstAdded := -1
	span := newChangeSpan()
	for _, uid := range uids {
		if i, ok := c.index[uid]; ok {
			child := c.children[uid]
			if child == nil {
				child = c.EnsureStudyCollection(uid, c.rows[i].PatientID)
			}
			child.Refresh(ctx)
			if c.recomputeRow(c.rows[i]) {
				span.add(i)
			}
			continue
		}
		row := c.loadRow(ctx, uid)
		child := c.EnsureStudyCollection(uid, row.PatientID)
		child.Refresh(ctx)
		c.index[uid] = len(c.rows)
		c.rows = append(c.rows, row)
		c.recomputeRow(row)
		if firstAdded < 0 {
			firstAdded = c.index[uid]
		}
	}
	if firstAdded >= 0 {
		c.emitAdded(firstAdded, len(c.rows)-1)
	}
	if span.any {
		c.emitChanged(span.first, span.last)
	}
}

// removeStale drops patients the store no longer reports, tearing down the
// whole subtree (series, then studies) before the row disappears.
func (c *PatientCollection) removeStale(current map[string]bool) {
	for end := len(c.rows) - 1; end >= 0; end-- {
		if current[c.rows[end].PatientUID] {
			continue
		}
		start := end
		for start > 0 && !current[c.rows[start-1].PatientUID] {
			start--
		}
		for i := start; i <= end; i++ {
			c.RemoveStudyCollection(c.rows[i].PatientUID)
		}
		c.rows = append(c.rows[:start], c.rows[end+1:]...)
		c.reindex()
		c.emitRemoved(start, end)
		end = start
	}
}

func (c *PatientCollection) reindex() {
	c.index = make(map[string]int, len(c.rows))
	for i, r := range c.rows {
		c.index[r.PatientUID] = i
	}
}

// loadRow reads one patient row from the store. Field errors are tolerated.
func (c *PatientCollection) loadRow(ctx context.Context, uid string) *PatientRow {
	field := func(name string) string {
		v, err := c.store.PatientField(ctx, uid, name)
		if err != nil {
			c.log.Debug().Err(err).Str("patient_uid", uid).Str("field", name).Msg("patient field unavailable")
			return ""
		}
		return v
	}
	row := &PatientRow{
		PatientUID:  uid,
		PatientID:   field(StorePatientID),
		PatientName: field(StorePatientName),
		BirthDate:   field(StorePatientBirthDate),
		Sex:         field(StorePatientSex),
	}
	if ts, err := c.store.InsertTimestamp(ctx, uid); err == nil {
		row.InsertTimestamp = ts
	}
	return row
}

// UpdateAllowedServersFromDB resolves the effective allowed-server set for
// a patient from the store's explicit allow/deny lists and the scheduler's
// trusted-by-default flags, writes it into the row, and propagates it down
// through the patient's studies to every series collection.
func (c *PatientCollection) UpdateAllowedServersFromDB(ctx context.Context, patientUID string) {
	if c.store == nil || c.scheduler == nil {
		c.log.Warn().Msg("allowed-server update skipped: store or scheduler missing")
		return
	}
	i, ok := c.index[patientUID]
	if !ok {
		return
	}
	allow, deny, err := c.store.ConnectionsInformation(ctx, patientUID)
	if err != nil {
		c.log.Error().Err(err).Str("patient_uid", patientUID).Msg("connections lookup failed")
		return
	}
	allowSet := toSet(allow)
	denySet := toSet(deny)

	var resolved []string
	for _, name := range c.scheduler.ActiveConnectionNames() {
		switch {
		case allowSet[name]:
			resolved = append(resolved, name)
		case denySet[name]:
			// explicitly denied
		default:
			if info, ok := c.scheduler.Server(name); ok && info.Trusted {
				resolved = append(resolved, name)
			}
		}
	}
	c.rows[i].AllowedServers = resolved
	if child, ok := c.children[patientUID]; ok {
		child.SetAllowedServers(resolved)
	}
	c.emitChanged(i, i, FieldAllowedServers)
}

// SaveAllowedServersToDB persists a desired allowed set as minimal explicit
// allow/deny lists and updates in-memory state. Trusted-by-default
// connections are left implicit whether or not they are in the desired set;
// only untrusted connections get recorded, as allows when selected and as
// denies when not.
func (c *PatientCollection) SaveAllowedServersToDB(ctx context.Context, patientUID string, allowedServers []string) {
	if c.store == nil || c.scheduler == nil {
		c.log.Warn().Msg("allowed-server save skipped: store or scheduler missing")
		return
	}
	i, ok := c.index[patientUID]
	if !ok {
		return
	}
	wanted := toSet(allowedServers)
	var allow, deny []string
	for _, name := range c.scheduler.ActiveConnectionNames() {
		info, known := c.scheduler.Server(name)
		trusted := known && info.Trusted
		if trusted {
			continue
		}
		if wanted[name] {
			allow = append(allow, name)
		} else {
			deny = append(deny, name)
		}
	}
	if err := c.store.UpdateConnections(ctx, patientUID, allow, deny); err != nil {
		c.log.Error().Err(err).Str("patient_uid", patientUID).Msg("connections update failed")
		return
	}
	c.rows[i].AllowedServers = append([]string(nil), allowedServers...)
	if child, ok := c.children[patientUID]; ok {
		child.SetAllowedServers(allowedServers)
	}
	c.emitChanged(i, i, FieldAllowedServers)
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

// QueryStudies submits a remote study query for the patient. Fire and
// forget; results come back through OnJobFinished.
func (c *PatientCollection) QueryStudies(patientUID string, priority JobPriority) {
	if c.scheduler == nil {
		c.log.Warn().Msg("query skipped: no scheduler configured")
		return
	}
	i, ok := c.index[patientUID]
	if !ok {
		return
	}
	r := c.rows[i]
	c.scheduler.QueryStudies(r.PatientID, priority, r.AllowedServers)
	r.OperationStatus = OpInProgress
	c.emitChanged(i, i, FieldOperationStatus)
}

// rowByPatientID resolves a row by the DICOM patient identifier carried in
// job payloads. Query placeholders can share an ID; the first match wins,
// matching insertion order.
func (c *PatientCollection) rowByPatientID(patientID string) (int, bool) {
	if patientID == "" {
		return -1, false
	}
	for i, r := range c.rows {
		if r.PatientID == patientID {
			return i, true
		}
	}
	return -1, false
}

// OnJobStarted routes a started job to the owning patient and study.
func (c *PatientCollection) OnJobStarted(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.rowByPatientID(d.PatientID)
	if !ok {
		return
	}
	r := c.rows[i]
	if r.OperationStatus != OpInProgress {
		r.OperationStatus = OpInProgress
		c.emitChanged(i, i, FieldOperationStatus)
	}
	if child, ok := c.children[r.PatientUID]; ok {
		child.OnJobStarted(d)
	}
}

// UpdateFromScheduler routes a progress report down the tree.
func (c *PatientCollection) UpdateFromScheduler(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.rowByPatientID(d.PatientID)
	if !ok {
		return
	}
	if child, ok := c.children[c.rows[i].PatientUID]; ok {
		child.UpdateFromScheduler(d)
	}
}

// OnJobFinished routes a finished job down the tree. A finished
// query-studies job triggers a full refresh first (new studies may have
// appeared) and then issues a follow-up query-series request for each
// newly queried study.
func (c *PatientCollection) OnJobFinished(ctx context.Context, d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.rowByPatientID(d.PatientID)
	if !ok {
		return
	}
	uid := c.rows[i].PatientUID

	if d.Type == JobQueryStudies {
		c.Refresh(ctx)
		if i = c.IndexFromUID(uid); i < 0 {
			return
		}
		r := c.rows[i]
		r.OperationStatus = OpCompleted
		c.emitChanged(i, i, FieldOperationStatus)
		if c.scheduler != nil {
			for _, studyUID := range d.QueriedStudyUIDs {
				c.scheduler.QuerySeries(r.PatientID, studyUID, PriorityHigh, r.AllowedServers)
			}
		}
		return
	}

	if child, ok := c.children[uid]; ok {
		child.OnJobFinished(ctx, d)
	}
	r := c.rows[i]
	r.OperationStatus = OpCompleted
	c.recomputeRow(r)
	c.emitChanged(i, i)
}

// OnJobFailed routes a failed job down the tree.
func (c *PatientCollection) OnJobFailed(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.rowByPatientID(d.PatientID)
	if !ok {
		return
	}
	r := c.rows[i]
	r.OperationStatus = OpFailed
	c.emitChanged(i, i, FieldOperationStatus)
	if child, ok := c.children[r.PatientUID]; ok {
		child.OnJobFailed(d)
	}
}

// OnJobUserStopped routes a user cancellation down the tree.
func (c *PatientCollection) OnJobUserStopped(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.rowByPatientID(d.PatientID)
	if !ok {
		return
	}
	r := c.rows[i]
	r.OperationStatus = OpNone
	r.StoppedJobUID = d.JobUID
	c.emitChanged(i, i, FieldOperationStatus)
	if child, ok := c.children[r.PatientUID]; ok {
		child.OnJobUserStopped(d)
	}
}

// ForceUpdateStudyJobs forwards the cancel-else-retry operation to the
// study collection owning the study UID.
func (c *PatientCollection) ForceUpdateStudyJobs(studyInstanceUID string) {
	if child := c.studyCollectionOwning(studyInstanceUID); child != nil {
		child.ForceUpdateStudyJobs(studyInstanceUID)
	}
}

// DispatchJob routes one scheduler callback into the tree.
func (c *PatientCollection) DispatchJob(ctx context.Context, kind JobCallback, d JobDetail) {
	switch kind {
	case JobCallbackStarted:
		c.OnJobStarted(d)
	case JobCallbackProgress:
		c.UpdateFromScheduler(d)
	case JobCallbackFinished:
		c.OnJobFinished(ctx, d)
	case JobCallbackFailed:
		c.OnJobFailed(d)
	case JobCallbackUserStopped:
		c.OnJobUserStopped(d)
	}
}

// Clean tears down the whole tree depth-first: series collections, then
// study collections, then the patient rows, then one reset event.
func (c *PatientCollection) Clean() {
	for uid := range c.children {
		c.RemoveStudyCollection(uid)
	}
	c.rows = nil
	c.index = map[string]int{}
	c.emitReset()
}

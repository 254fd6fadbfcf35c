package browser

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
)

// SeriesCollection caches the series rows of exactly one study. It is the
// leaf of the collection tree: it owns no children, computes per-series
// visibility and cloud/load state, and talks to the scheduler for
// retrieve/thumbnail jobs.
type SeriesCollection struct {
	notifier

	log       zerolog.Logger
	store     Store
	scheduler Scheduler

	patientID        string
	studyInstanceUID string

	rows  []*SeriesRow
	index map[string]int

	modalityFilter    []string
	descriptionFilter string
	allowedServers    []string

	isUpdating bool
}

// NewSeriesCollection creates an empty collection for one study. Store and
// scheduler may be nil; dependent operations then log and no-op.
func NewSeriesCollection(log zerolog.Logger, store Store, scheduler Scheduler, patientID, studyInstanceUID string) *SeriesCollection {
	return &SeriesCollection{
		log:              log.With().Str("study_uid", studyInstanceUID).Logger(),
		store:            store,
		scheduler:        scheduler,
		patientID:        patientID,
		studyInstanceUID: studyInstanceUID,
		index:            map[string]int{},
	}
}

// SetStore swaps the backing store. The caller owns its lifetime.
func (c *SeriesCollection) SetStore(s Store) { c.store = s }

// SetScheduler swaps the job scheduler. The caller owns its lifetime.
func (c *SeriesCollection) SetScheduler(s Scheduler) { c.scheduler = s }

// StudyInstanceUID returns the study this collection belongs to.
func (c *SeriesCollection) StudyInstanceUID() string { return c.studyInstanceUID }

// RowCount returns the number of cached series rows, visible or not.
func (c *SeriesCollection) RowCount() int { return len(c.rows) }

// RowAt returns a copy of the row at i, or false when out of range.
func (c *SeriesCollection) RowAt(i int) (SeriesRow, bool) {
	if i < 0 || i >= len(c.rows) {
		return SeriesRow{}, false
	}
	return *c.rows[i], true
}

// RowByUID returns a copy of the row for the series UID.
func (c *SeriesCollection) RowByUID(uid string) (SeriesRow, bool) {
	i, ok := c.index[uid]
	if !ok {
		return SeriesRow{}, false
	}
	return *c.rows[i], true
}

// IndexFromUID returns the insertion-order index of the series UID, or -1.
func (c *SeriesCollection) IndexFromUID(uid string) int {
	i, ok := c.index[uid]
	if !ok {
		return -1
	}
	return i
}

// SeriesInstanceUIDs lists every cached series UID in insertion order.
func (c *SeriesCollection) SeriesInstanceUIDs() []string {
	uids := make([]string, len(c.rows))
	for i, r := range c.rows {
		uids[i] = r.SeriesInstanceUID
	}
	return uids
}

// FilteredSeriesInstanceUIDs lists the UIDs of the currently visible rows.
// Pure: no side effects, evaluated over current rows and filter state.
func (c *SeriesCollection) FilteredSeriesInstanceUIDs() []string {
	var uids []string
	for _, r := range c.rows {
		if r.IsVisible {
			uids = append(uids, r.SeriesInstanceUID)
		}
	}
	return uids
}

// FilteredSeriesCount returns the number of visible rows.
func (c *SeriesCollection) FilteredSeriesCount() int {
	n := 0
	for _, r := range c.rows {
		if r.IsVisible {
			n++
		}
	}
	return n
}

// SetModalityFilter restricts visibility to series whose modality is in the
// allowed set (empty set admits all) and re-filters in place.
func (c *SeriesCollection) SetModalityFilter(allowed []string) {
	c.modalityFilter = append([]string(nil), allowed...)
	c.ApplyFilters()
}

// ModalityFilter returns the current allowed modality set.
func (c *SeriesCollection) ModalityFilter() []string {
	return append([]string(nil), c.modalityFilter...)
}

// SetDescriptionFilter sets the case-insensitive substring filter on the
// series description and re-filters in place.
func (c *SeriesCollection) SetDescriptionFilter(filter string) {
	c.descriptionFilter = filter
	c.ApplyFilters()
}

// DescriptionFilter returns the current description substring filter.
func (c *SeriesCollection) DescriptionFilter() string { return c.descriptionFilter }

// SetAllowedServers records the connections remote jobs for this study may
// use. It does not re-filter: server policy never affects visibility.
func (c *SeriesCollection) SetAllowedServers(servers []string) {
	c.allowedServers = append([]string(nil), servers...)
}

// AllowedServers returns the connections remote jobs may use.
func (c *SeriesCollection) AllowedServers() []string {
	return append([]string(nil), c.allowedServers...)
}

// ApplyFilters recomputes IsVisible for every row from the current filter
// state, without touching the store. A cheap cascade entry point, distinct
// from Refresh.
func (c *SeriesCollection) ApplyFilters() {
	span := newChangeSpan()
	for i, r := range c.rows {
		v := c.rowPassesFilters(r)
		if v != r.IsVisible {
			r.IsVisible = v
			span.add(i)
		}
	}
	if span.any {
		c.emitChanged(span.first, span.last, FieldIsVisible)
	}
}

func (c *SeriesCollection) rowPassesFilters(r *SeriesRow) bool {
	return matchesModality(r.Modality, c.modalityFilter) &&
		matchesSubstring(r.Description, c.descriptionFilter)
}

// Refresh re-queries the store for the study's series UIDs and diffs them
// against the cached rows: stale rows are removed, unseen UIDs appended,
// existing rows updated in place. Rows outside the diff are not touched.
// No store configured, a store error, or a refresh already in flight all
// leave the collection unchanged.
func (c *SeriesCollection) Refresh(ctx context.Context) {
	if c.store == nil {
		c.log.Warn().Msg("series refresh skipped: no store configured")
		return
	}
	if c.isUpdating {
		return
	}
	c.isUpdating = true
	defer func() { c.isUpdating = false }()

	uids, err := c.store.SeriesUIDsForStudy(ctx, c.studyInstanceUID)
	if err != nil {
		c.log.Error().Err(err).Msg("series refresh: store query failed")
		return
	}

	current := make(map[string]bool, len(uids))
	for _, uid := range uids {
		current[uid] = true
	}

	c.removeStale(current)
	added := c.addNew(ctx, uids)
	c.updateExisting(ctx, added)
}

// removeStale drops rows whose UID the store no longer reports, emitting
// one removal event per contiguous range, highest range first so earlier
// indices stay valid.
func (c *SeriesCollection) removeStale(current map[string]bool) {
	for end := len(c.rows) - 1; end >= 0; end-- {
		if current[c.rows[end].SeriesInstanceUID] {
			continue
		}
		start := end
		for start > 0 && !current[c.rows[start-1].SeriesInstanceUID] {
			start--
		}
		c.rows = append(c.rows[:start], c.rows[end+1:]...)
		c.reindex()
		c.emitRemoved(start, end)
		end = start
	}
}

func (c *SeriesCollection) reindex() {
	c.index = make(map[string]int, len(c.rows))
	for i, r := range c.rows {
		c.index[r.SeriesInstanceUID] = i
	}
}

// addNew appends rows for unseen UIDs in store order and returns their UID
// set so updateExisting can skip them.
func (c *SeriesCollection) addNew(ctx context.Context, uids []string) map[string]bool {
	added := map[string]bool{}
	first := -1
	for _, uid := range uids {
		if _, ok := c.index[uid]; ok {
			continue
		}
		row := c.loadRow(ctx, uid)
		row.IsVisible = c.rowPassesFilters(row)
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

// updateExisting recomputes store-derived fields and visibility for rows
// that survived the diff, emitting a single change event only when a value
// actually differs.
func (c *SeriesCollection) updateExisting(ctx context.Context, added map[string]bool) {
	span := newChangeSpan()
	for i, r := range c.rows {
		if added[r.SeriesInstanceUID] {
			continue
		}
		fresh := c.loadRow(ctx, r.SeriesInstanceUID)
		changed := false
		if fresh.Description != r.Description {
			r.Description, changed = fresh.Description, true
		}
		if fresh.Modality != r.Modality {
			r.Modality, changed = fresh.Modality, true
		}
		if fresh.SeriesNumber != r.SeriesNumber {
			r.SeriesNumber, changed = fresh.SeriesNumber, true
		}
		if fresh.InstanceCount != r.InstanceCount {
			r.InstanceCount, changed = fresh.InstanceCount, true
		}
		if fresh.InstancesLoaded != r.InstancesLoaded {
			r.InstancesLoaded, changed = fresh.InstancesLoaded, true
		}
		if fresh.Rows != r.Rows {
			r.Rows, changed = fresh.Rows, true
		}
		if fresh.Columns != r.Columns {
			r.Columns, changed = fresh.Columns, true
		}
		if fresh.ThumbnailPath != r.ThumbnailPath {
			r.ThumbnailPath, changed = fresh.ThumbnailPath, true
			r.ThumbnailGenerated = fresh.ThumbnailGenerated
		}
		if fresh.IsCloud != r.IsCloud {
			r.IsCloud, changed = fresh.IsCloud, true
		}
		if fresh.IsLoaded != r.IsLoaded {
			r.IsLoaded, changed = fresh.IsLoaded, true
		}
		if v := c.rowPassesFilters(r); v != r.IsVisible {
			r.IsVisible, changed = v, true
		}
		if changed {
			span.add(i)
		}
	}
	if span.any {
		c.emitChanged(span.first, span.last)
	}
}

// loadRow reads one series row from the store. Missing fields stay empty;
// field errors are tolerated so partial data never blocks a refresh.
func (c *SeriesCollection) loadRow(ctx context.Context, uid string) *SeriesRow {
	field := func(name string) string {
		v, err := c.store.SeriesField(ctx, uid, name)
		if err != nil {
			c.log.Debug().Err(err).Str("series_uid", uid).Str("field", name).Msg("series field unavailable")
			return ""
		}
		return v
	}
	row := &SeriesRow{
		SeriesInstanceUID: uid,
		StudyInstanceUID:  c.studyInstanceUID,
		SeriesNumber:      field(StoreSeriesNumber),
		Modality:          field(StoreModality),
		Description:       field(StoreSeriesDescription),
		ThumbnailPath:     field(StoreThumbnailPath),
	}
	row.ThumbnailGenerated = row.ThumbnailPath != ""
	if n, err := strconv.Atoi(field(StoreRows)); err == nil {
		row.Rows = n
	}
	if n, err := strconv.Atoi(field(StoreColumns)); err == nil {
		row.Columns = n
	}
	if instances, err := c.store.InstanceUIDsForSeries(ctx, uid); err == nil {
		row.InstanceCount = len(instances)
	}
	if loaded, err := c.store.LoadedInstanceCount(ctx, uid); err == nil {
		row.InstancesLoaded = loaded
	}
	row.IsCloud = row.InstancesLoaded == 0
	row.IsLoaded = row.InstanceCount > 0 && row.InstancesLoaded >= row.InstanceCount
	return row
}

// RetrieveSeries submits a retrieve job for the series. Fire-and-forget:
// the result arrives later through the scheduler callbacks.
func (c *SeriesCollection) RetrieveSeries(seriesInstanceUID string, priority JobPriority) {
	if c.scheduler == nil {
		c.log.Warn().Msg("retrieve skipped: no scheduler configured")
		return
	}
	i, ok := c.index[seriesInstanceUID]
	if !ok {
		return
	}
	jobUID := c.scheduler.RetrieveSeries(c.patientID, c.studyInstanceUID, seriesInstanceUID, priority, c.allowedServers)
	r := c.rows[i]
	r.JobUID = jobUID
	r.OperationStatus = OpInProgress
	r.OperationProgress = 0
	c.emitChanged(i, i, FieldOperationStatus, FieldOperationProgress)
}

// RequestThumbnail submits a thumbnail job for the series unless one was
// already generated.
func (c *SeriesCollection) RequestThumbnail(seriesInstanceUID string, priority JobPriority) {
	if c.scheduler == nil {
		c.log.Warn().Msg("thumbnail request skipped: no scheduler configured")
		return
	}
	i, ok := c.index[seriesInstanceUID]
	if !ok || c.rows[i].ThumbnailGenerated {
		return
	}
	c.rows[i].JobUID = c.scheduler.GenerateThumbnail(c.patientID, c.studyInstanceUID, seriesInstanceUID, priority)
}

// ForceUpdateSeriesJobs cancels the series' running or queued jobs; when
// none exist it instead retries its failed or stopped ones. Exactly one of
// the two branches executes.
func (c *SeriesCollection) ForceUpdateSeriesJobs(seriesInstanceUID string) {
	if c.scheduler == nil {
		c.log.Warn().Msg("force-update skipped: no scheduler configured")
		return
	}
	i, ok := c.index[seriesInstanceUID]
	if !ok {
		return
	}
	r := c.rows[i]
	if r.JobUID == "" {
		return
	}
	stopOrRetryJobs(c.scheduler, []string{r.JobUID})
}

// stopOrRetryJobs implements the shared cancel-else-retry rule: running or
// queued jobs in the set are stopped; otherwise failed or stopped ones are
// retried.
func stopOrRetryJobs(scheduler Scheduler, uids []string) {
	if len(uids) == 0 {
		return
	}
	jobs := scheduler.JobsByUIDs(uids)
	var active, dead []string
	for _, j := range jobs {
		switch j.Status {
		case JobRunning, JobQueued:
			active = append(active, j.JobUID)
		case JobFailed, JobStopped:
			dead = append(dead, j.JobUID)
		}
	}
	if len(active) > 0 {
		scheduler.StopJobsByUIDs(active)
		return
	}
	if len(dead) > 0 {
		scheduler.RetryJobs(dead)
	}
}

// jobTarget resolves the row addressed by a job payload.
func (c *SeriesCollection) jobTarget(d JobDetail) (int, bool) {
	if d.SeriesInstanceUID == "" {
		return -1, false
	}
	i, ok := c.index[d.SeriesInstanceUID]
	return i, ok
}

// OnJobStarted marks the addressed series in progress. Unknown UIDs and
// callbacks arriving mid-refresh are ignored.
func (c *SeriesCollection) OnJobStarted(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.jobTarget(d)
	if !ok {
		return
	}
	r := c.rows[i]
	r.JobUID = d.JobUID
	r.OperationStatus = OpInProgress
	r.OperationProgress = 0
	c.emitChanged(i, i, FieldOperationStatus, FieldOperationProgress)
}

// UpdateFromScheduler applies a progress report to the addressed series.
func (c *SeriesCollection) UpdateFromScheduler(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.jobTarget(d)
	if !ok {
		return
	}
	r := c.rows[i]
	if r.OperationProgress == d.Progress {
		return
	}
	r.OperationProgress = d.Progress
	c.emitChanged(i, i, FieldOperationProgress)
}

// OnJobFinished completes the addressed series: retrieve jobs flip the
// cloud/loaded flags, thumbnail jobs re-read the thumbnail path.
func (c *SeriesCollection) OnJobFinished(ctx context.Context, d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.jobTarget(d)
	if !ok {
		return
	}
	r := c.rows[i]
	r.OperationStatus = OpCompleted
	r.OperationProgress = 1
	r.JobUID = ""
	switch d.Type {
	case JobRetrieveSeries:
		if c.store != nil {
			if loaded, err := c.store.LoadedInstanceCount(ctx, r.SeriesInstanceUID); err == nil {
				r.InstancesLoaded = loaded
			}
			if instances, err := c.store.InstanceUIDsForSeries(ctx, r.SeriesInstanceUID); err == nil {
				r.InstanceCount = len(instances)
			}
		}
		r.IsCloud = r.InstancesLoaded == 0
		r.IsLoaded = r.InstanceCount > 0 && r.InstancesLoaded >= r.InstanceCount
	case JobGenerateThumbnail:
		if c.store != nil {
			if p, err := c.store.SeriesField(ctx, r.SeriesInstanceUID, StoreThumbnailPath); err == nil && p != "" {
				r.ThumbnailPath = p
				r.ThumbnailGenerated = true
			}
		}
	}
	c.emitChanged(i, i)
}

// OnJobFailed marks the addressed series failed.
func (c *SeriesCollection) OnJobFailed(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.jobTarget(d)
	if !ok {
		return
	}
	r := c.rows[i]
	r.OperationStatus = OpFailed
	c.emitChanged(i, i, FieldOperationStatus)
}

// OnJobUserStopped records a user cancellation so the job can be retried
// later via ForceUpdateSeriesJobs.
func (c *SeriesCollection) OnJobUserStopped(d JobDetail) {
	if c.isUpdating {
		return
	}
	i, ok := c.jobTarget(d)
	if !ok {
		return
	}
	r := c.rows[i]
	r.OperationStatus = OpNone
	r.OperationProgress = 0
	c.emitChanged(i, i, FieldOperationStatus, FieldOperationProgress)
}

// Clean drops every row and emits a reset. Called by the owning study on
// teardown so no scheduler callback can land on a dangling row afterwards.
func (c *SeriesCollection) Clean() {
	c.rows = nil
	c.index = map[string]int{}
	c.emitReset()
}

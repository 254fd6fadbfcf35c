// Package jobs provides the in-process job scheduler behind the browser
// collections: a bounded worker pool running query/retrieve/thumbnail jobs
// and reporting their lifecycle back through a single notification sink so
// the collection tree stays single-threaded.
package jobs

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dicomdesk/dicomdesk/internal/domain/browser"
)

// Executor performs the actual work of one job: the remote query, the
// retrieve, the thumbnail render. It may mutate the backing store; it must
// honor ctx cancellation. The returned detail extensions (queried UIDs)
// are merged into the completion callback.
type Executor interface {
	Run(ctx context.Context, d *browser.JobDetail) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, d *browser.JobDetail) error

func (f ExecutorFunc) Run(ctx context.Context, d *browser.JobDetail) error { return f(ctx, d) }

// NopExecutor completes every job immediately without doing anything.
// Useful for development against a fully local store.
var NopExecutor = ExecutorFunc(func(context.Context, *browser.JobDetail) error { return nil })

type job struct {
	detail   browser.JobDetail
	priority browser.JobPriority
	servers  []string
	cancel   context.CancelFunc
	stopped  bool
}

// Scheduler is a bounded worker pool implementing browser.Scheduler.
// Callbacks are delivered through Notify; wire it to the browser handler's
// DispatchJob so delivery is serialized with the rest of the core.
type Scheduler struct {
	log      zerolog.Logger
	executor Executor

	// Notify is the single delivery sink for job lifecycle callbacks.
	// Set it before the first job is enqueued.
	Notify func(kind browser.JobCallback, d browser.JobDetail)

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	pending []string
	servers map[string]browser.ServerInfo

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler draining its queue with the given number of
// workers.
func New(log zerolog.Logger, executor Executor, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		log:      log.With().Str("component", "scheduler").Logger(),
		executor: executor,
		jobs:     map[string]*job{},
		servers:  map[string]browser.ServerInfo{},
		wake:     make(chan struct{}, workers),
		quit:     make(chan struct{}),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Close stops the workers. Queued jobs stay queued; running jobs are
// cancelled.
func (s *Scheduler) Close() {
	close(s.quit)
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// AddServer registers a remote connection the scheduler can use.
func (s *Scheduler) AddServer(info browser.ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[info.Name] = info
}

// RemoveServer drops a remote connection.
func (s *Scheduler) RemoveServer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, name)
}

func (s *Scheduler) enqueue(d browser.JobDetail, priority browser.JobPriority, servers []string) string {
	d.JobUID = uuid.NewString()
	d.Status = browser.JobQueued
	s.mu.Lock()
	s.jobs[d.JobUID] = &job{detail: d, priority: priority, servers: append([]string(nil), servers...)}
	s.order = append(s.order, d.JobUID)
	s.pending = append(s.pending, d.JobUID)
	s.sortPendingLocked()
	s.mu.Unlock()

	s.log.Debug().Str("job_uid", d.JobUID).Stringer("type", d.Type).Msg("job queued")
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return d.JobUID
}

// sortPendingLocked keeps the queue ordered by priority, stable within the
// same priority.
func (s *Scheduler) sortPendingLocked() {
	sort.SliceStable(s.pending, func(a, b int) bool {
		return s.jobs[s.pending[a]].priority > s.jobs[s.pending[b]].priority
	})
}

// QueryStudies implements browser.Scheduler.
func (s *Scheduler) QueryStudies(patientID string, priority browser.JobPriority, allowedServers []string) string {
	return s.enqueue(browser.JobDetail{
		Type:      browser.JobQueryStudies,
		PatientID: patientID,
	}, priority, allowedServers)
}

// QuerySeries implements browser.Scheduler.
func (s *Scheduler) QuerySeries(patientID, studyInstanceUID string, priority browser.JobPriority, allowedServers []string) string {
	return s.enqueue(browser.JobDetail{
		Type:             browser.JobQuerySeries,
		PatientID:        patientID,
		StudyInstanceUID: studyInstanceUID,
	}, priority, allowedServers)
}

// RetrieveSeries implements browser.Scheduler. The patient ID rides along
// so lifecycle callbacks can be routed from the root of the tree.
func (s *Scheduler) RetrieveSeries(patientID, studyInstanceUID, seriesInstanceUID string, priority browser.JobPriority, allowedServers []string) string {
	return s.enqueue(browser.JobDetail{
		Type:              browser.JobRetrieveSeries,
		PatientID:         patientID,
		StudyInstanceUID:  studyInstanceUID,
		SeriesInstanceUID: seriesInstanceUID,
	}, priority, allowedServers)
}

// GenerateThumbnail implements browser.Scheduler.
func (s *Scheduler) GenerateThumbnail(patientID, studyInstanceUID, seriesInstanceUID string, priority browser.JobPriority) string {
	return s.enqueue(browser.JobDetail{
		Type:              browser.JobGenerateThumbnail,
		PatientID:         patientID,
		StudyInstanceUID:  studyInstanceUID,
		SeriesInstanceUID: seriesInstanceUID,
	}, priority, nil)
}

// JobsByUIDs implements browser.Scheduler. Unknown UIDs are skipped.
func (s *Scheduler) JobsByUIDs(uids []string) []browser.JobDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []browser.JobDetail
	for _, uid := range uids {
		if j, ok := s.jobs[uid]; ok {
			out = append(out, j.detail)
		}
	}
	return out
}

// StopJobsByUIDs implements browser.Scheduler: queued jobs are dequeued,
// running jobs cancelled. Each stopped job reports a user-stopped callback.
// Callbacks for dequeued jobs are delivered off the caller's goroutine,
// like the worker-delivered ones, so a caller holding its own lock around
// the stop cannot re-enter itself.
func (s *Scheduler) StopJobsByUIDs(uids []string) {
	var stopped []browser.JobDetail
	s.mu.Lock()
	for _, uid := range uids {
		j, ok := s.jobs[uid]
		if !ok {
			continue
		}
		switch j.detail.Status {
		case browser.JobQueued:
			s.pending = removeUID(s.pending, uid)
			j.detail.Status = browser.JobStopped
			stopped = append(stopped, j.detail)
		case browser.JobRunning:
			j.stopped = true
			if j.cancel != nil {
				j.cancel()
			}
		}
	}
	s.mu.Unlock()
	if len(stopped) == 0 {
		return
	}
	go func() {
		for _, d := range stopped {
			s.notify(browser.JobCallbackUserStopped, d)
		}
	}()
}

// RetryJobs implements browser.Scheduler: failed or stopped jobs go back
// on the queue.
func (s *Scheduler) RetryJobs(uids []string) {
	s.mu.Lock()
	requeued := 0
	for _, uid := range uids {
		j, ok := s.jobs[uid]
		if !ok {
			continue
		}
		if j.detail.Status != browser.JobFailed && j.detail.Status != browser.JobStopped {
			continue
		}
		j.detail.Status = browser.JobQueued
		j.stopped = false
		s.pending = append(s.pending, uid)
		requeued++
	}
	s.sortPendingLocked()
	s.mu.Unlock()
	for i := 0; i < requeued; i++ {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// ActiveConnectionNames implements browser.Scheduler.
func (s *Scheduler) ActiveConnectionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server implements browser.Scheduler.
func (s *Scheduler) Server(name string) (browser.ServerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.servers[name]
	return info, ok
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			j := s.takeJob()
			if j == nil {
				break
			}
			s.runJob(j)
		}
	}
}

func (s *Scheduler) takeJob() *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	uid := s.pending[0]
	s.pending = s.pending[1:]
	j := s.jobs[uid]
	j.detail.Status = browser.JobRunning
	return j
}

func (s *Scheduler) runJob(j *job) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	j.cancel = cancel
	detail := j.detail
	s.mu.Unlock()
	defer cancel()

	s.notify(browser.JobCallbackStarted, detail)

	err := s.executor.Run(ctx, &detail)

	s.mu.Lock()
	stopped := j.stopped
	switch {
	case stopped:
		detail.Status = browser.JobStopped
	case err != nil:
		detail.Status = browser.JobFailed
	default:
		detail.Status = browser.JobFinished
	}
	j.detail = detail
	s.mu.Unlock()

	switch {
	case stopped:
		s.log.Info().Str("job_uid", detail.JobUID).Msg("job stopped by user")
		s.notify(browser.JobCallbackUserStopped, detail)
	case err != nil:
		s.log.Error().Err(err).Str("job_uid", detail.JobUID).Stringer("type", detail.Type).Msg("job failed")
		s.notify(browser.JobCallbackFailed, detail)
	default:
		s.notify(browser.JobCallbackFinished, detail)
	}
}

func (s *Scheduler) notify(kind browser.JobCallback, d browser.JobDetail) {
	if s.Notify != nil {
		s.Notify(kind, d)
	}
}

func removeUID(list []string, uid string) []string {
	for i, v := range list {
		if v == uid {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

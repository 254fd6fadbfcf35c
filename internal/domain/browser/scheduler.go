package browser

// JobType is the closed set of background operations the scheduler runs on
// behalf of the collections. Each collection level handles only the
// variants relevant to it and ignores the rest.
type JobType int

const (
	JobNone JobType = iota
	JobQueryStudies
	JobQuerySeries
	JobRetrieveSeries
	JobGenerateThumbnail
)

func (t JobType) String() string {
	switch t {
	case JobQueryStudies:
		return "query-studies"
	case JobQuerySeries:
		return "query-series"
	case JobRetrieveSeries:
		return "retrieve-series"
	case JobGenerateThumbnail:
		return "generate-thumbnail"
	default:
		return "none"
	}
}

// JobStatus is the lifecycle state of one scheduled job.
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobRunning
	JobFinished
	JobFailed
	JobStopped
)

func (s JobStatus) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobFinished:
		return "finished"
	case JobFailed:
		return "failed"
	case JobStopped:
		return "stopped"
	default:
		return "queued"
	}
}

// JobPriority orders the scheduler's queue.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
)

// ServerInfo describes one remote connection known to the scheduler.
// Trusted connections are allowed by default unless explicitly denied.
type ServerInfo struct {
	Name    string
	Trusted bool
}

// JobCallback discriminates the scheduler callback kinds delivered to the
// collection tree.
type JobCallback int

const (
	JobCallbackStarted JobCallback = iota
	JobCallbackProgress
	JobCallbackFinished
	JobCallbackFailed
	JobCallbackUserStopped
)

func (k JobCallback) String() string {
	switch k {
	case JobCallbackStarted:
		return "started"
	case JobCallbackProgress:
		return "progress"
	case JobCallbackFinished:
		return "finished"
	case JobCallbackFailed:
		return "failed"
	default:
		return "user-stopped"
	}
}

// JobDetail is the payload delivered with every scheduler callback and
// returned by JobsByUIDs. The UID fields relevant to the job type are set;
// the rest stay empty.
type JobDetail struct {
	JobUID            string
	Type              JobType
	Status            JobStatus
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	QueriedStudyUIDs  []string
	QueriedSeriesUIDs []string
	ConnectionName    string
	Progress          float64
}

// Scheduler is the asynchronous job runner the collections submit work to.
// Submission is fire-and-forget: results come back later through the
// OnJob*/UpdateFromScheduler callbacks on PatientCollection, routed top-down
// by UID. Like the Store it is externally owned and may be absent.
type Scheduler interface {
	QueryStudies(patientID string, priority JobPriority, allowedServers []string) string
	QuerySeries(patientID, studyInstanceUID string, priority JobPriority, allowedServers []string) string
	RetrieveSeries(patientID, studyInstanceUID, seriesInstanceUID string, priority JobPriority, allowedServers []string) string
	GenerateThumbnail(patientID, studyInstanceUID, seriesInstanceUID string, priority JobPriority) string

	JobsByUIDs(uids []string) []JobDetail
	StopJobsByUIDs(uids []string)
	RetryJobs(uids []string)

	ActiveConnectionNames() []string
	Server(name string) (ServerInfo, bool)
}

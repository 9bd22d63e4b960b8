package gallery

// SessionStatus represents the lifecycle state of a scrape session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending: {SessionRunning, SessionCancelled, SessionFailed},
	SessionRunning: {SessionPaused, SessionCompleted, SessionFailed, SessionCancelled},
	SessionPaused:  {SessionRunning, SessionCancelled, SessionFailed},
}

// CanTransition reports whether moving to the target status is allowed.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// SessionType distinguishes what a session re-processes.
type SessionType string

// Session types.
const (
	SessionTypeFull              SessionType = "full"
	SessionTypeIncremental       SessionType = "incremental"
	SessionTypeScreenshotRefresh SessionType = "screenshot-refresh"
	SessionTypeThumbnailRefresh  SessionType = "thumbnail-refresh"
)

// Valid reports whether the session type is recognized.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeFull, SessionTypeIncremental, SessionTypeScreenshotRefresh, SessionTypeThumbnailRefresh:
		return true
	default:
		return false
	}
}

// BatchStatus mirrors the session vocabulary at batch granularity.
type BatchStatus string

// Batch status values.
const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending: {BatchRunning, BatchCancelled},
	BatchRunning: {BatchPaused, BatchCompleted, BatchFailed, BatchCancelled},
	BatchPaused:  {BatchRunning, BatchCancelled},
}

// CanTransition reports whether moving to the target status is allowed.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	for _, next := range batchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus tracks one URL through the capture pipeline.
type TaskStatus string

// Task status values, ordered by pipeline phase.
const (
	TaskPending             TaskStatus = "pending"
	TaskScrapingDetails     TaskStatus = "scraping-details"
	TaskTakingScreenshot    TaskStatus = "taking-screenshot"
	TaskProcessingThumbnail TaskStatus = "processing-thumbnail"
	TaskSaving              TaskStatus = "saving"
	TaskCompleted           TaskStatus = "completed"
	TaskFailed              TaskStatus = "failed"
	TaskSkipped             TaskStatus = "skipped"
)

// taskTransitions encodes forward-only phase order. Failed and skipped are
// reachable from every non-terminal state; pending is re-enterable from any
// in-flight phase so a retry can restart the pipeline.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:             {TaskScrapingDetails, TaskFailed, TaskSkipped},
	TaskScrapingDetails:     {TaskTakingScreenshot, TaskPending, TaskFailed, TaskSkipped},
	TaskTakingScreenshot:    {TaskProcessingThumbnail, TaskPending, TaskFailed, TaskSkipped},
	TaskProcessingThumbnail: {TaskSaving, TaskPending, TaskFailed, TaskSkipped},
	TaskSaving:              {TaskCompleted, TaskPending, TaskFailed, TaskSkipped},
}

// CanTransition reports whether moving to the target status is allowed.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle vocabulary for ad-hoc admin jobs and their items.
type JobStatus string

// Ad-hoc job status values.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobSkipped   JobStatus = "skipped"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning, JobCanceled, JobSkipped},
	JobRunning: {JobSucceeded, JobFailed, JobCanceled},
}

// CanTransition reports whether moving to the target status is allowed.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled, JobSkipped:
		return true
	default:
		return false
	}
}

package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskReport       = "task.report"
)

// Worker pool topics.
const (
	TopicWorkerState = "worker.state"
	TopicWorkerStall = "worker.stall"
)

// Refinery topics.
const (
	TopicIntegrationStarted  = "integration.started"
	TopicIntegrationFinished = "integration.finished"
	TopicReviewRouted        = "review.routed"
)

// TaskStateChangedEvent is published after a committed status transition.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
	Assignee  string
	EventType string
}

// TaskReportEvent is published when failure detail is attached to a task.
type TaskReportEvent struct {
	TaskID  string
	Kind    string
	Summary string
}

// WorkerStateEvent is published when a pool slot changes state.
type WorkerStateEvent struct {
	WorkerID string
	TaskID   string
	State    string
}

// WorkerStallEvent is published when the coordinator declares a worker dead.
type WorkerStallEvent struct {
	WorkerID      string
	TaskID        string
	LastHeartbeat string
}

// IntegrationEvent is published when an integration attempt starts or ends.
type IntegrationEvent struct {
	AttemptID  int64
	TaskID     string
	Kind       string
	Outcome    string
	BaseCommit string
}

// ReviewRoutedEvent is published when the review gate routes a task.
type ReviewRoutedEvent struct {
	TaskID   string
	Decision string
	Reason   string
}

package models

import (
	"time"
)

// Canonical event topics. Topics are dot-namespaced; the first segment is
// the category used by subscription matching (job.*, cloud.*, ...).
const (
	TopicJobProgress          = "job.progress"
	TopicJobCompleted         = "job.completed"
	TopicJobFailed            = "job.failed"
	TopicJobCancelled         = "job.cancelled"
	TopicJobQueued            = "job.queued"
	TopicJobStateChanged      = "job.state_changed"
	TopicJobPreuploadProgress = "job.preupload_progress"

	TopicCloudDeployProgress      = "cloud.deploy_progress"
	TopicCloudDeployCompleted     = "cloud.deploy_completed"
	TopicCloudDeployFailed        = "cloud.deploy_failed"
	TopicCloudTeardownCompleted   = "cloud.teardown_completed"
	TopicCloudSpendCapReached     = "cloud.spend_cap_reached"
	TopicCloudAutoDeployTriggered = "cloud.auto_deploy_triggered"
	TopicCloudJobsReassigned      = "cloud.jobs_reassigned"
	TopicCloudOrphanDetected      = "cloud.orphan_detected"

	// Published by external producers through the command surface,
	// not by the daemon itself.
	TopicSyncCompleted     = "sync.completed"
	TopicAnalysisCompleted = "analysis.completed"

	TopicServerOffline    = "server.offline"
	TopicServerOnline     = "server.online"
	TopicServerMetrics    = "server.metrics"
	TopicNotificationPush = "notification.push"
)

// Event is the unit carried on the event bus. Events are immutable once
// emitted; corrections are new events.
type Event struct {
	Topic     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event stamped with the current time
func NewEvent(topic string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{Topic: topic, Timestamp: time.Now().UTC(), Data: data}
}

// Category returns the first dot-segment of the topic, or the whole topic
// when it has no dot.
func (e Event) Category() string {
	return TopicCategory(e.Topic)
}

// TopicCategory returns the first dot-segment of a topic string
func TopicCategory(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == '.' {
			return topic[:i]
		}
	}
	return topic
}

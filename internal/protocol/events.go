package protocol

// Event is a loosely-typed progress event pushed to WebSocket subscribers.
// Keys always present: "type", "job_id", "server_id", "at" (RFC3339Nano).
type Event map[string]any

// Event types published by the engine.
const (
	EventJobCreated      = "JOB_CREATED"
	EventJobState        = "JOB_STATE"
	EventRegionCompleted = "REGION_COMPLETED"
	EventBatchThrottled  = "BATCH_THROTTLED"
	EventJobTerminal     = "JOB_TERMINAL"
)

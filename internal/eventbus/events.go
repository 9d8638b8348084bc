package eventbus

// Event types published by taskrelay components.
const (
	// TypeTaskExecute carries a TaskExecution record for the application.
	TypeTaskExecute = "task.execute"
	// TypeTaskFinished carries a TaskFinished record.
	TypeTaskFinished = "task.finished"

	TypeTaskRegistered   = "task.registered"
	TypeTaskUnregistered = "task.unregistered"

	// TypeColdStart is published when an event targets an app with no live task.
	TypeColdStart = "app.coldstart"

	// TypeDeliveryDropped is published by the delivery pool when an inbound
	// event could not be queued.
	TypeDeliveryDropped = "delivery.dropped"
)

// TaskError is the error half of a TaskExecution.
type TaskError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TaskExecution is the application-facing record: exactly one of Data or
// Error is set.
type TaskExecution struct {
	AppID    string     `json:"appId"`
	TaskName string     `json:"taskName"`
	Data     any        `json:"data,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
}

// TaskFinished reports that the application finished handling a task run.
type TaskFinished struct {
	AppID    string         `json:"appId"`
	TaskName string         `json:"taskName"`
	Response map[string]any `json:"response,omitempty"`
}

// TaskLifecycle accompanies TypeTaskRegistered and TypeTaskUnregistered.
type TaskLifecycle struct {
	AppID        string `json:"appId"`
	TaskName     string `json:"taskName"`
	ConsumerKind string `json:"consumerKind"`
}

// ColdStart accompanies TypeColdStart.
type ColdStart struct {
	AppID    string `json:"appId"`
	TaskName string `json:"taskName"`
}

// DeliveryDropped accompanies TypeDeliveryDropped.
type DeliveryDropped struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

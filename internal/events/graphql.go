package events

import "time"

// OperationStart is emitted before a query invocation is handed to the
// execution pipeline. Index is the position in a batch, 0 for single requests.
type OperationStart struct {
	Index         int
	Batch         bool
	OperationName string
}

// OperationFinish is emitted after a query invocation completes, whether it
// produced a result or failed.
type OperationFinish struct {
	Index         int
	Batch         bool
	OperationName string
	OperationType string
	Errors        []error
	Failed        bool
	ResponseCache bool
	Duration      time.Duration
}

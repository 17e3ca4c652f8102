// Package validator polls for validation obligations, runs the judgment
// procedure, and submits attestations. Discovered obligations flow through a
// queue so deployments can fan work out across processes.
package validator

import "context"

// JobFunc processes one queued validation, identified by request id.
type JobFunc func(ctx context.Context, requestID string) error

// Producer delivers validation jobs to the queue.
type Producer interface {
	Publish(ctx context.Context, requestID string) error
	Close() error
}

// Consumer drains validation jobs from the queue.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, job JobFunc) error
	Close() error
}

// Queue is both ends at once, the usual single-process arrangement.
type Queue interface {
	Producer
	Consumer
}

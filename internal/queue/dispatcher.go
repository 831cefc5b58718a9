package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rule-engine/internal/models"
)

// Dispatch modes.
const (
	ModeDurable = "durable"
	ModeInline  = "inline"
)

// Handler executes a job for a given job name.
type Handler func(ctx context.Context, job *models.Job) error

// JobInfo describes a dispatched job.
type JobInfo struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// JobDispatcher hands a job to whatever will run it.
type JobDispatcher interface {
	Dispatch(ctx context.Context, queueName, jobName string, data []byte, opts AddOptions) (JobInfo, error)
	Mode() string
}

// BrokerDispatcher enqueues jobs on the Redis broker.
type BrokerDispatcher struct {
	broker *Broker
}

// NewBrokerDispatcher wraps broker.
func NewBrokerDispatcher(broker *Broker) *BrokerDispatcher {
	return &BrokerDispatcher{broker: broker}
}

func (d *BrokerDispatcher) Mode() string { return ModeDurable }

// Dispatch enqueues the job. A duplicate job id is reported through
// JobInfo.Duplicate together with ErrDuplicateJob.
func (d *BrokerDispatcher) Dispatch(ctx context.Context, queueName, jobName string, data []byte, opts AddOptions) (JobInfo, error) {
	id, err := d.broker.Enqueue(ctx, queueName, jobName, data, opts)
	info := JobInfo{ID: id, Queue: queueName, Name: jobName, Mode: ModeDurable}
	if err == ErrDuplicateJob {
		info.Duplicate = true
	}
	return info, err
}

// InlineDispatcher runs jobs synchronously in the calling goroutine. Retry,
// delay and repeat options are ignored: every dispatch is a single attempt.
type InlineDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeNow  func() time.Time

	executed atomic.Int64
	failed   atomic.Int64
}

// NewInlineDispatcher builds an empty inline dispatcher.
func NewInlineDispatcher() *InlineDispatcher {
	return &InlineDispatcher{handlers: make(map[string]Handler), timeNow: time.Now}
}

func (d *InlineDispatcher) Mode() string { return ModeInline }

// Register binds a handler to a job name.
func (d *InlineDispatcher) Register(jobName string, h Handler) {
	if jobName == "" || h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobName] = h
}

// Handler returns the handler bound to jobName.
func (d *InlineDispatcher) Handler(jobName string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[jobName]
	return h, ok
}

// Dispatch runs the handler and returns once it has finished.
func (d *InlineDispatcher) Dispatch(ctx context.Context, queueName, jobName string, data []byte, opts AddOptions) (JobInfo, error) {
	h, ok := d.Handler(jobName)
	if !ok {
		return JobInfo{}, fmt.Errorf("no handler registered for job %q", jobName)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	info := JobInfo{ID: "inline-" + id, Queue: queueName, Name: jobName, Mode: ModeInline}
	job := &models.Job{
		ID:          info.ID,
		Queue:       queueName,
		Name:        jobName,
		Data:        data,
		Priority:    opts.Priority,
		Attempts:    1,
		MaxAttempts: 1,
		CreatedAt:   d.timeNow().UTC(),
	}
	d.executed.Add(1)
	if err := h(ctx, job); err != nil {
		d.failed.Add(1)
		return info, err
	}
	return info, nil
}

// Stats returns how many inline jobs ran and how many of them failed.
func (d *InlineDispatcher) Stats() (executed, failed int64) {
	return d.executed.Load(), d.failed.Load()
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedupe

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/store"
)

// Status is a status of a dedupe job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a registered execution of an operation identified by its fingerprint (hash).
type Job struct {
	Hash      string    `json:"hash"`
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Deadline  time.Time `json:"deadline"`
	SettledAt time.Time `json:"settledAt,omitempty"`
}

// JobError is a failure of a job as seen by waiters that read it from the store.
// It keeps the fault kind of the original error, so severity classification still works.
type JobError struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	Cause   string     `json:"cause,omitempty"`
}

var causes = map[string]error{
	"timeout":       fault.ErrTimeout,
	"circuit_open":  fault.ErrCircuitOpen,
	"rate_limited":  fault.ErrRateLimited,
	"backing_store": fault.ErrBackingStore,
	"serialization": fault.ErrSerialization,
	"not_found":     fault.ErrNotFound,
}

// NewJobError converts err to JobError.
func NewJobError(err error) *JobError {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	res := &JobError{Kind: fault.KindOf(err), Message: err.Error()}
	for name, target := range causes {
		if errors.Is(err, target) {
			res.Cause = name
			break
		}
	}
	return res
}

func (e *JobError) Error() string {
	return e.Message
}

// Is makes JobError match the taxonomy error the original failure matched.
func (e *JobError) Is(target error) bool {
	return e.Cause != "" && causes[e.Cause] == target
}

// FaultKind implements fault.KindProvider.
func (e *JobError) FaultKind() fault.Kind {
	return e.Kind
}

const (
	attrRecord    = "record"
	attrStatus    = "status"
	recordPending = "pending"
	recordResult  = "result"
)

func (j *Job) toItem(key string, expiresAt time.Time) (store.Item, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return store.Item{}, &fault.SerializationError{Err: err}
	}
	record := recordResult
	if j.Status == StatusPending {
		record = recordPending
	}
	return store.Item{
		Key:       key,
		Value:     data,
		Attrs:     map[string]string{attrRecord: record, attrStatus: string(j.Status)},
		ExpiresAt: expiresAt,
	}, nil
}

func jobFromItem(it store.Item) (*Job, error) {
	var j Job
	if err := json.Unmarshal(it.Value, &j); err != nil {
		return nil, &fault.SerializationError{Err: err}
	}
	return &j, nil
}

// outcome returns the result or the error of a settled job.
func (j *Job) outcome() ([]byte, error) {
	if j.Status == StatusFailed {
		if j.Error == nil {
			return nil, &JobError{Kind: fault.KindUnknown, Message: "job failed"}
		}
		return nil, j.Error
	}
	return j.Result, nil
}

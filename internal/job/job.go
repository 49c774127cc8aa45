// Package job provides the Job aggregate for speed edits submitted through
// the HTTP API. It includes the Job entity with its state machine, the
// repository port and the service that runs jobs through the pipeline.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/speedcut/internal/job/id"
	"github.com/maauso/speedcut/internal/timeline"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusQueued indicates the job is waiting for a free processing slot.
	StatusQueued Status = "QUEUED"
	// StatusRunning indicates the edit is in progress.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the output was written.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the edit stopped with an error.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled by the client.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one speed edit request and its progress.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// Stage is the last pipeline state reported for the run.
	Stage string
	// Progress is the percentage of the source processed (0-100).
	Progress int
	// Error contains the error message if the job failed.
	Error string
	// ErrorCode names the failure category, e.g. "DecodeFailure".
	ErrorCode string
	// ResultCode is the numeric result of the edit, 0 on success.
	ResultCode int
	// InputPath is the source file. Uploaded inputs point into temp storage.
	InputPath string
	// OutputPath is where the edited file is written.
	OutputPath string
	// Segments are the requested speed segments.
	Segments []timeline.Segment
	// OutputDuration is the duration of the written file.
	OutputDuration time.Duration
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
	// VideoURL is the S3 URL if PushToS3 was true.
	VideoURL string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID in QUEUED status.
func New() *Job {
	return NewWithID(id.Generate())
}

// NewWithID creates a new Job with the specified ID in QUEUED status.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from QUEUED to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED and records the output duration.
func (j *Job) Complete(outputDuration time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.OutputDuration = outputDuration
	j.Progress = 100
	return nil
}

// Fail transitions the job to FAILED with an error message, a failure
// category and the numeric result code.
func (j *Job) Fail(errMsg, errCode string, resultCode int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	j.ErrorCode = errCode
	j.ResultCode = resultCode
	return nil
}

// Cancel transitions the job to CANCELLED with the given result code.
func (j *Job) Cancel(resultCode int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCancelled); err != nil {
		return err
	}
	j.ResultCode = resultCode
	return nil
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetStage records the pipeline state of the running edit.
func (j *Job) SetStage(stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = stage
	j.UpdatedAt = time.Now()
}

// UpdateProgress sets the progress percentage (0-100).
func (j *Job) UpdateProgress(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
}

// SetInput sets the source path.
func (j *Job) SetInput(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.InputPath = path
	j.UpdatedAt = time.Now()
}

// SetOutput sets the output path and optional S3 URL.
func (j *Job) SetOutput(outputPath, videoURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = outputPath
	j.VideoURL = videoURL
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	segments := make([]timeline.Segment, len(j.Segments))
	copy(segments, j.Segments)

	return &Job{
		ID:             j.ID,
		Status:         j.Status,
		Stage:          j.Stage,
		Progress:       j.Progress,
		Error:          j.Error,
		ErrorCode:      j.ErrorCode,
		ResultCode:     j.ResultCode,
		InputPath:      j.InputPath,
		OutputPath:     j.OutputPath,
		Segments:       segments,
		OutputDuration: j.OutputDuration,
		PushToS3:       j.PushToS3,
		VideoURL:       j.VideoURL,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

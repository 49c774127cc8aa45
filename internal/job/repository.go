package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when an action needs a job that has not finished.
	ErrJobTerminal = errors.New("job already finished")
	// ErrInvalidInput is returned when a job request cannot be processed as given.
	ErrInvalidInput = errors.New("invalid job input")
)

// Repository defines the interface for job persistence.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// Save persists a job to the storage.
	// If the job already exists, it should be updated.
	Save(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// List returns all jobs, oldest first.
	List(ctx context.Context) ([]*Job, error)

	// DeleteFinishedBefore removes jobs that reached a terminal status
	// before cutoff and returns how many were removed. Queued and running
	// jobs are never removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

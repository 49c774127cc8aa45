// Package server provides the HTTP API for submitting speed edits.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/speedcut/internal/job"
	"github.com/maauso/speedcut/internal/timeline"
)

// SegmentRequest is one speed segment in seconds of the source.
type SegmentRequest struct {
	// Start is where the segment begins.
	Start float64 `json:"start" validate:"gte=0"`
	// End is where the segment ends, exclusive. Values past the source end are clipped.
	End float64 `json:"end" validate:"gtefield=Start"`
	// Speed is the playback rate: 2 plays twice as fast, 0.5 half as fast.
	Speed float64 `json:"speed" validate:"gt=0,lte=100"`
}

// CreateJobRequest is the HTTP request body for creating a new job.
type CreateJobRequest struct {
	// InputPath is a source file readable by the server.
	InputPath string `json:"input_path" validate:"required_without=VideoBase64,excluded_with=VideoBase64"`
	// VideoBase64 is an uploaded source, used instead of InputPath.
	VideoBase64 string `json:"video_base64" validate:"omitempty,base64"`
	// OutputPath is where the result is written. Optional.
	OutputPath string `json:"output_path"`
	// Segments lists the speed changes. Time outside every segment plays at 1x.
	Segments []SegmentRequest `json:"segments" validate:"max=1000,dive"`
	// PushToS3 indicates whether to upload the final video to S3.
	PushToS3 bool `json:"push_to_s3"`
}

func (r CreateJobRequest) segments() []timeline.Segment {
	segs := make([]timeline.Segment, len(r.Segments))
	for i, s := range r.Segments {
		segs[i] = timeline.Segment{Start: s.Start, End: s.End, Speed: s.Speed}
	}
	return segs
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Stage is the pipeline state of a running job.
	Stage string `json:"stage,omitempty"`
	// Progress is the percentage of the source processed (0-100).
	Progress int `json:"progress"`
	// Error contains the error message if the job failed.
	Error string `json:"error,omitempty"`
	// ErrorCode names the failure category.
	ErrorCode string `json:"error_code,omitempty"`
	// ResultCode is the numeric result of a finished edit.
	ResultCode *int   `json:"result_code,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	// OutputDuration is the length of the finished output in seconds.
	OutputDuration float64 `json:"output_duration,omitempty"`
	// VideoURL is the S3 URL of the output video (if push_to_s3=true and completed).
	VideoURL  string           `json:"video_url,omitempty"`
	Segments  []SegmentRequest `json:"segments"`
	CreatedAt time.Time        `json:"created_at"`
}

func newJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		Status:    string(j.Status),
		Stage:     j.Stage,
		Progress:  j.Progress,
		Error:     j.Error,
		ErrorCode: j.ErrorCode,
		Segments:  make([]SegmentRequest, len(j.Segments)),
		CreatedAt: j.CreatedAt,
	}
	for i, s := range j.Segments {
		resp.Segments[i] = SegmentRequest{Start: s.Start, End: s.End, Speed: s.Speed}
	}
	if j.IsTerminal() {
		code := j.ResultCode
		resp.ResultCode = &code
	}
	if j.Status == job.StatusCompleted {
		resp.OutputPath = j.OutputPath
		resp.OutputDuration = j.OutputDuration.Seconds()
		resp.VideoURL = j.VideoURL
	}
	return resp
}

// ListJobsResponse is the HTTP response for listing jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

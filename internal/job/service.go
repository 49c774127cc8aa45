package job

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maauso/speedcut/internal/pipeline"
	"github.com/maauso/speedcut/internal/storage"
	"github.com/maauso/speedcut/internal/timeline"
)

// ErrorCodeUpload marks a job whose edit succeeded but whose upload failed.
const ErrorCodeUpload = "UploadFailure"

// Editor runs one speed edit and reports state and progress to obs.
type Editor interface {
	Edit(ctx context.Context, req pipeline.Request, obs pipeline.Observer) (*pipeline.Result, error)
}

// PipelineEditor is the Editor backed by pipeline.Runner.
type PipelineEditor struct {
	opts []pipeline.Option
}

// NewPipelineEditor creates an Editor that builds a runner with opts for
// every edit.
func NewPipelineEditor(opts ...pipeline.Option) *PipelineEditor {
	return &PipelineEditor{opts: opts}
}

// Edit runs req to completion.
func (e *PipelineEditor) Edit(ctx context.Context, req pipeline.Request, obs pipeline.Observer) (*pipeline.Result, error) {
	opts := append(append([]pipeline.Option(nil), e.opts...), pipeline.WithObserver(obs))
	return pipeline.NewRunner(opts...).Run(ctx, req)
}

// ProcessVideoInput contains the input parameters for a speed edit.
type ProcessVideoInput struct {
	// InputPath is a source file readable by the server.
	InputPath string
	// VideoBase64 is an uploaded source, used when InputPath is empty.
	VideoBase64 string
	// OutputPath is where the result is written. Empty means a file named
	// after the job in the output directory.
	OutputPath string
	// Segments are the speed segments to apply.
	Segments []timeline.Segment
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
}

// ProcessVideoOutput contains the result of a speed edit.
type ProcessVideoOutput struct {
	JobID      string
	Status     Status
	OutputPath string
	VideoURL   string
	Error      string
}

// ProcessVideoService creates jobs and runs them through an Editor.
// At most maxConcurrentJobs edits run at once; the others wait in QUEUED.
type ProcessVideoService struct {
	repo    Repository
	editor  Editor
	storage storage.Storage
	logger  *slog.Logger

	inputDir          string
	outputDir         string
	s3Prefix          string
	maxConcurrentJobs int
	retention         time.Duration
	sem               *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// ServiceOption configures a ProcessVideoService.
type ServiceOption func(*ProcessVideoService)

// WithMaxConcurrentJobs limits how many edits run in parallel. Default: 2.
func WithMaxConcurrentJobs(n int) ServiceOption {
	return func(s *ProcessVideoService) {
		if n > 0 {
			s.maxConcurrentJobs = n
		}
	}
}

// WithInputDir allows input paths under dir. Without it only uploaded
// videos are accepted.
func WithInputDir(dir string) ServiceOption {
	return func(s *ProcessVideoService) { s.inputDir = dir }
}

// WithOutputDir sets the directory every output is written under.
func WithOutputDir(dir string) ServiceOption {
	return func(s *ProcessVideoService) { s.outputDir = dir }
}

// WithS3Prefix sets the key prefix of uploaded outputs. Default: "speedcut".
func WithS3Prefix(prefix string) ServiceOption {
	return func(s *ProcessVideoService) { s.s3Prefix = prefix }
}

// WithRetention sets how long finished jobs are kept before the janitor
// removes them. Zero keeps them until restart.
func WithRetention(d time.Duration) ServiceOption {
	return func(s *ProcessVideoService) { s.retention = d }
}

// NewProcessVideoService creates a new ProcessVideoService.
func NewProcessVideoService(repo Repository, editor Editor, store storage.Storage, logger *slog.Logger, opts ...ServiceOption) *ProcessVideoService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ProcessVideoService{
		repo:              repo,
		editor:            editor,
		storage:           store,
		logger:            logger,
		outputDir:         os.TempDir(),
		s3Prefix:          "speedcut",
		maxConcurrentJobs: 2,
		cancels:           make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.maxConcurrentJobs))
	return s
}

// CreateJob validates input and persists a new job in QUEUED status.
func (s *ProcessVideoService) CreateJob(ctx context.Context, input ProcessVideoInput) (*Job, error) {
	switch {
	case input.InputPath == "" && input.VideoBase64 == "":
		return nil, fmt.Errorf("%w: an input path or an uploaded video is required", ErrInvalidInput)
	case input.InputPath != "" && input.VideoBase64 != "":
		return nil, fmt.Errorf("%w: input path and uploaded video are mutually exclusive", ErrInvalidInput)
	}
	if err := timeline.Validate(input.Segments); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	job := New()
	in, out, err := s.resolvePaths(input, job.ID)
	if err != nil {
		return nil, err
	}
	job.InputPath = in
	job.OutputPath = out
	job.Segments = append([]timeline.Segment(nil), input.Segments...)
	job.PushToS3 = input.PushToS3

	s.logger.Info("creating new job",
		slog.String("job_id", job.ID),
		slog.String("output_path", job.OutputPath),
		slog.Int("segments", len(job.Segments)),
		slog.Bool("uploaded_input", input.VideoBase64 != ""),
		slog.Bool("push_to_s3", input.PushToS3),
	)

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return job, nil
}

// resolvePaths confines the requested input to the input directory and the
// output to the output directory.
func (s *ProcessVideoService) resolvePaths(input ProcessVideoInput, id string) (string, string, error) {
	var in string
	if input.InputPath != "" {
		if s.inputDir == "" {
			return "", "", fmt.Errorf("%w: input paths are disabled, upload the video instead", ErrInvalidInput)
		}
		p, ok := within(s.inputDir, input.InputPath)
		if !ok {
			return "", "", fmt.Errorf("%w: input path %q is outside the input directory", ErrInvalidInput, input.InputPath)
		}
		in = p
	}

	name := input.OutputPath
	if name == "" {
		name = id + ".mp4"
	}
	if filepath.IsAbs(name) {
		return "", "", fmt.Errorf("%w: output path %q must be relative to the output directory", ErrInvalidInput, name)
	}
	out, ok := within(s.outputDir, name)
	if !ok {
		return "", "", fmt.Errorf("%w: output path %q is outside the output directory", ErrInvalidInput, name)
	}
	return in, out, nil
}

// within resolves p against root and reports whether the result lies below root.
func within(root, p string) (string, bool) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// GetJob retrieves a job by ID.
func (s *ProcessVideoService) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns every known job, oldest first.
func (s *ProcessVideoService) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// CancelJob stops a queued or running job. The job reaches CANCELLED once
// its edit has released every resource.
func (s *ProcessVideoService) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrJobTerminal
	}

	if cancel, ok := s.cancels[id]; ok {
		s.logger.Info("cancelling job", slog.String("job_id", id))
		cancel()
		return nil
	}

	// Nothing is processing the job yet.
	if err := job.Cancel(pipeline.Cancelled.Code()); err != nil {
		return err
	}
	s.logger.Info("job cancelled before start", slog.String("job_id", id))
	return s.repo.Save(ctx, job)
}

// Process creates a job and runs it synchronously.
func (s *ProcessVideoService) Process(ctx context.Context, input ProcessVideoInput) (*ProcessVideoOutput, error) {
	job, err := s.CreateJob(ctx, input)
	if err != nil {
		return nil, err
	}
	return s.ProcessExistingJob(ctx, job.ID, input)
}

// ProcessExistingJob runs a job created by CreateJob. It waits for a free
// slot, stages an uploaded input, runs the edit and optionally uploads the
// result. The returned error is the reason the job did not complete.
func (s *ProcessVideoService) ProcessExistingJob(ctx context.Context, jobID string, input ProcessVideoInput) (*ProcessVideoOutput, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	job, err := s.claim(ctx, jobID, cancel)
	if err != nil {
		return nil, err
	}
	defer s.release(jobID)
	if job.IsTerminal() {
		return outputOf(job), nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.finish(ctx, job, &pipeline.Error{Kind: pipeline.Cancelled, Op: "wait for slot", Err: err})
	}
	defer s.sem.Release(1)

	if err := job.Start(); err != nil {
		return nil, err
	}
	s.save(ctx, job)
	s.logger.Info("job started", slog.String("job_id", jobID))

	var temps []string
	defer func() {
		if len(temps) == 0 {
			return
		}
		if err := s.storage.CleanupTemp(context.WithoutCancel(ctx), temps); err != nil {
			s.logger.Warn("failed to clean up temp files",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}()

	if input.VideoBase64 != "" {
		p, err := s.stageInput(ctx, input.VideoBase64)
		if err != nil {
			return s.finish(ctx, job, err)
		}
		temps = append(temps, p)
		job.SetInput(p)
	}

	obs := &jobObserver{ctx: ctx, svc: s, job: job}
	res, err := s.editor.Edit(ctx, pipeline.Request{
		Input:    job.InputPath,
		Output:   job.OutputPath,
		Segments: job.Segments,
	}, obs)
	if err != nil {
		return s.finish(ctx, job, err)
	}

	if job.PushToS3 {
		url, err := s.upload(ctx, job)
		if err != nil {
			return s.finishUpload(ctx, job, err)
		}
		job.SetOutput(job.OutputPath, url)
	}

	if err := job.Complete(res.OutputDuration); err != nil {
		return nil, err
	}
	s.save(ctx, job)
	s.logger.Info("job completed",
		slog.String("job_id", jobID),
		slog.String("output_path", job.OutputPath),
		slog.Duration("output_duration", res.OutputDuration),
		slog.Duration("elapsed", res.Elapsed),
	)
	return outputOf(job), nil
}

// PruneFinished removes jobs that finished more than the retention period ago.
func (s *ProcessVideoService) PruneFinished(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteFinishedBefore(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned finished jobs",
			slog.Int("count", n),
			slog.Duration("retention", s.retention),
		)
	}
	return n, nil
}

// RunJanitor calls PruneFinished every interval until ctx is done. It
// returns immediately when retention is disabled.
func (s *ProcessVideoService) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PruneFinished(ctx); err != nil {
				s.logger.Warn("janitor failed", slog.String("error", err.Error()))
			}
		}
	}
}

// claim loads the job and registers its cancel func. It is serialized with
// CancelJob so a cancellation is never lost between the two.
func (s *ProcessVideoService) claim(ctx context.Context, jobID string, cancel context.CancelFunc) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, running := s.cancels[jobID]; running {
		return nil, fmt.Errorf("%w: job %s is already being processed", ErrInvalidInput, jobID)
	}
	s.cancels[jobID] = cancel
	return job, nil
}

func (s *ProcessVideoService) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
}

// stageInput decodes an uploaded video into temp storage.
func (s *ProcessVideoService) stageInput(ctx context.Context, data string) (string, error) {
	p, err := s.storage.SaveTemp(ctx, "input", base64.NewDecoder(base64.StdEncoding, strings.NewReader(data)))
	if err == nil {
		return p, nil
	}
	var corrupt base64.CorruptInputError
	if errors.As(err, &corrupt) {
		return "", &pipeline.Error{Kind: pipeline.InvalidArgument, Op: "stage input", Err: err}
	}
	if ctx.Err() != nil {
		return "", &pipeline.Error{Kind: pipeline.Cancelled, Op: "stage input", Err: err}
	}
	return "", &pipeline.Error{Kind: pipeline.SourceUnreadable, Op: "stage input", Err: err}
}

func (s *ProcessVideoService) upload(ctx context.Context, job *Job) (string, error) {
	rc, err := s.storage.LoadTemp(ctx, job.OutputPath)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return s.storage.UploadToS3(ctx, path.Join(s.s3Prefix, job.ID+filepath.Ext(job.OutputPath)), rc)
}

// finish records a failed or cancelled edit.
func (s *ProcessVideoService) finish(ctx context.Context, job *Job, err error) (*ProcessVideoOutput, error) {
	kind := pipeline.KindOf(err)
	if kind == pipeline.Cancelled {
		_ = job.Cancel(kind.Code())
		s.logger.Info("job cancelled", slog.String("job_id", job.ID))
	} else {
		_ = job.Fail(err.Error(), kind.String(), kind.Code())
		s.logger.Error("job failed",
			slog.String("job_id", job.ID),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
	}
	s.save(ctx, job)
	return outputOf(job), err
}

func (s *ProcessVideoService) finishUpload(ctx context.Context, job *Job, err error) (*ProcessVideoOutput, error) {
	err = fmt.Errorf("upload output: %w", err)
	_ = job.Fail(err.Error(), ErrorCodeUpload, pipeline.CodeOK)
	s.logger.Error("job upload failed",
		slog.String("job_id", job.ID),
		slog.String("output_path", job.OutputPath),
		slog.String("error", err.Error()),
	)
	s.save(ctx, job)
	return outputOf(job), err
}

// save persists job even after ctx was cancelled so the final state is kept.
func (s *ProcessVideoService) save(ctx context.Context, job *Job) {
	if err := s.repo.Save(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func outputOf(job *Job) *ProcessVideoOutput {
	c := job.Clone()
	return &ProcessVideoOutput{
		JobID:      c.ID,
		Status:     c.Status,
		OutputPath: c.OutputPath,
		VideoURL:   c.VideoURL,
		Error:      c.Error,
	}
}

// jobObserver mirrors pipeline state and progress into the job.
type jobObserver struct {
	ctx context.Context
	svc *ProcessVideoService
	job *Job
}

func (o *jobObserver) OnState(st pipeline.State) {
	o.job.SetStage(string(st))
	o.svc.save(o.ctx, o.job)
}

func (o *jobObserver) OnProgress(p float64) {
	o.job.UpdateProgress(int(p * 100))
	o.svc.save(o.ctx, o.job)
}

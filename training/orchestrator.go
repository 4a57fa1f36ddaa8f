// Package training runs fine-tuning jobs end to end: it allocates the job
// id and artifact directories, runs the training process and records the
// outcome in the model registry.
package training

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
	"github.com/loiht2/ml-platform-finetune/backend/config"
	"github.com/loiht2/ml-platform-finetune/backend/converter"
	"github.com/loiht2/ml-platform-finetune/backend/dataset"
	"github.com/loiht2/ml-platform-finetune/backend/launcher"
	"github.com/loiht2/ml-platform-finetune/backend/models"
	"github.com/loiht2/ml-platform-finetune/backend/telemetry"
)

const (
	jobIDLayout   = "2006-01-02_15-04-05"
	maxIDAttempts = 10
)

// Datasets locates uploaded dataset files.
type Datasets interface {
	Exists(kind dataset.Kind) bool
	Path(kind dataset.Kind) string
}

// Registry records training outcomes.
type Registry interface {
	Register(ctx context.Context, model *config.TrainedModel) error
	Exists(ctx context.Context, jobID string) (bool, error)
}

// Trainer runs the training process.
type Trainer interface {
	Train(ctx context.Context, cfg models.TrainingJobConfig, paths converter.Paths) (launcher.Result, error)
}

// Tracker receives job state transitions.
type Tracker interface {
	Created(jobID, baseModelID string)
	Running(jobID string)
	Completed(jobID string)
	Failed(jobID string, err error)
}

type noopTracker struct{}

func (noopTracker) Created(string, string) {}
func (noopTracker) Running(string)         {}
func (noopTracker) Completed(string)       {}
func (noopTracker) Failed(string, error)   {}

// Outcome describes a completed training job.
type Outcome struct {
	JobID       string  `json:"job_id"`
	AdapterPath string  `json:"adapter_path"`
	MergedPath  string  `json:"merged_path"`
	Metrics     Metrics `json:"metrics"`
	Description string  `json:"description"`
	Logs        string  `json:"logs"`
}

// Orchestrator starts training jobs
type Orchestrator struct {
	datasets  Datasets
	registry  Registry
	trainer   Trainer
	tracker   Tracker
	outputDir string
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator writing artifacts below outputDir.
// tracker may be nil.
func NewOrchestrator(datasets Datasets, registry Registry, trainer Trainer, tracker Tracker, outputDir string) *Orchestrator {
	if tracker == nil {
		tracker = noopTracker{}
	}
	return &Orchestrator{
		datasets:  datasets,
		registry:  registry,
		trainer:   trainer,
		tracker:   tracker,
		outputDir: outputDir,
		now:       time.Now,
	}
}

// NewJobID formats the job id for a start time with second resolution.
func NewJobID(t time.Time) string {
	return "job-" + t.Format(jobIDLayout)
}

// AdapterDir returns the adapter output directory of jobID.
func (o *Orchestrator) AdapterDir(jobID string) string {
	return filepath.Join(o.outputDir, "adapters", jobID)
}

// MergedDir returns the merged model output directory of jobID.
func (o *Orchestrator) MergedDir(jobID string) string {
	return filepath.Join(o.outputDir, "merged", jobID)
}

// Start runs one training job synchronously. Once a job id is assigned the
// outcome is always registered, as failed if anything goes wrong; a
// missing dataset or invalid config is rejected before that and leaves no
// record.
func (o *Orchestrator) Start(ctx context.Context, cfg models.TrainingJobConfig) (*Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "training.start")
	defer span.End()
	span.SetAttributes(
		attribute.String("training.model_id", cfg.ModelID),
		attribute.String("training.dataset_kind", string(cfg.DatasetKind)),
	)

	outcome, err := o.start(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("training.job_id", outcome.JobID))
	return outcome, nil
}

func (o *Orchestrator) start(ctx context.Context, cfg models.TrainingJobConfig) (*Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidRequest, err, "invalid training configuration")
	}
	if !o.datasets.Exists(cfg.DatasetKind) {
		return nil, apperrors.New(apperrors.MissingData,
			"no %s dataset has been uploaded; upload one before training", cfg.DatasetKind)
	}

	// Registry writes must land even if the caller goes away mid-training.
	recordCtx := context.WithoutCancel(ctx)

	jobID, err := o.reserve(ctx)
	if jobID == "" {
		return nil, err
	}
	o.tracker.Created(jobID, cfg.ModelID)
	if err != nil {
		o.recordFailure(recordCtx, jobID, cfg, errorDescription(err))
		o.tracker.Failed(jobID, err)
		return nil, err
	}

	paths := converter.Paths{
		AdapterDir: o.AdapterDir(jobID),
		MergedDir:  o.MergedDir(jobID),
		DataFile:   o.datasets.Path(cfg.DatasetKind),
	}

	log.Printf("Starting training job %s (model: %s, dataset: %s)", jobID, cfg.ModelID, cfg.DatasetKind)
	o.tracker.Running(jobID)

	result, err := o.trainer.Train(ctx, cfg, paths)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.Internal {
			err = apperrors.Wrap(apperrors.TrainingFailure, err, "failed to run training for job %s", jobID)
		}
		log.Printf("Failed to run training job %s: %v", jobID, err)
		o.recordFailure(recordCtx, jobID, cfg, errorDescription(err))
		o.tracker.Failed(jobID, err)
		return nil, err
	}

	if result.ExitCode != 0 {
		failure := ClassifyFailure(result.ExitCode, result.Output())
		log.Printf("Training job %s failed with exit code %d: %s", jobID, result.ExitCode, failure.Message)
		o.recordFailure(recordCtx, jobID, cfg, failureDescription(result.ExitCode, failureOutput(result)))
		o.tracker.Failed(jobID, failure)
		return nil, failure
	}

	metrics := ParseMetrics(result.Output())
	description := successDescription(cfg.ModelID, cfg.LoraR)
	loraR := cfg.LoraR
	record := &config.TrainedModel{
		JobID:        jobID,
		BaseModelID:  cfg.ModelID,
		AdapterPath:  paths.AdapterDir,
		MergedPath:   paths.MergedDir,
		EvalAccuracy: metrics.Accuracy,
		EvalLoss:     metrics.Loss,
		LoraR:        &loraR,
		Status:       config.StatusCompleted,
		Description:  &description,
	}
	if err := o.registry.Register(recordCtx, record); err != nil {
		log.Printf("Failed to register completed training job %s: %v", jobID, err)
		o.recordFailure(recordCtx, jobID, cfg, errorDescription(err))
		o.tracker.Failed(jobID, err)
		return nil, err
	}

	o.tracker.Completed(jobID)
	log.Printf("Training job %s completed successfully", jobID)

	return &Outcome{
		JobID:       jobID,
		AdapterPath: paths.AdapterDir,
		MergedPath:  paths.MergedDir,
		Metrics:     metrics,
		Description: description,
		Logs:        result.Stdout,
	}, nil
}

// reserve picks an unused job id and creates its artifact directories.
// Creating the adapter directory claims the id, so concurrent starts in
// the same second end up with different ids. A non-empty id with an error
// means the id was assigned but its directories could not be created.
func (o *Orchestrator) reserve(ctx context.Context) (string, error) {
	base := NewJobID(o.now())

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		jobID := base
		if attempt > 0 {
			jobID = base + "-" + shortSuffix()
		}

		taken, err := o.registry.Exists(ctx, jobID)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		if _, err := os.Stat(o.MergedDir(jobID)); err == nil {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(o.AdapterDir(jobID)), 0o755); err != nil {
			return jobID, apperrors.Wrap(apperrors.StorageWriteError, err, "failed to create adapters directory")
		}
		if err := os.Mkdir(o.AdapterDir(jobID), 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return jobID, apperrors.Wrap(apperrors.StorageWriteError, err, "failed to create adapter directory for %s", jobID)
		}
		if err := os.MkdirAll(o.MergedDir(jobID), 0o755); err != nil {
			return jobID, apperrors.Wrap(apperrors.StorageWriteError, err, "failed to create merged directory for %s", jobID)
		}
		return jobID, nil
	}

	return "", apperrors.New(apperrors.Internal, "could not allocate a unique job id after %d attempts", maxIDAttempts)
}

// recordFailure registers a failed record. Its own failure is only logged
// so that the original error reaches the caller.
func (o *Orchestrator) recordFailure(ctx context.Context, jobID string, cfg models.TrainingJobConfig, description string) {
	loraR := cfg.LoraR
	record := &config.TrainedModel{
		JobID:       jobID,
		BaseModelID: cfg.ModelID,
		AdapterPath: o.AdapterDir(jobID),
		MergedPath:  o.MergedDir(jobID),
		LoraR:       &loraR,
		Status:      config.StatusFailed,
		Description: &description,
	}
	if err := o.registry.Register(ctx, record); err != nil {
		log.Printf("Failed to register failed training job %s: %v", jobID, err)
	}
}

// failureOutput prefers stderr, where tracebacks end up.
func failureOutput(result launcher.Result) string {
	if strings.TrimSpace(result.Stderr) != "" {
		return result.Stderr
	}
	return result.Stdout
}

func shortSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// String renders an outcome for logs and the CLI.
func (o *Outcome) String() string {
	acc := "n/a"
	if o.Metrics.Accuracy != nil {
		acc = fmt.Sprintf("%.4f", *o.Metrics.Accuracy)
	}
	return fmt.Sprintf("%s (eval_accuracy: %s)", o.JobID, acc)
}

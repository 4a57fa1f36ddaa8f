package handlers

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
	"github.com/loiht2/ml-platform-finetune/backend/dataset"
	"github.com/loiht2/ml-platform-finetune/backend/middleware"
	"github.com/loiht2/ml-platform-finetune/backend/models"
	"github.com/loiht2/ml-platform-finetune/backend/monitor"
	"github.com/loiht2/ml-platform-finetune/backend/repository"
	"github.com/loiht2/ml-platform-finetune/backend/training"
)

// MaxUploadBytes caps the size of an uploaded dataset workbook.
const MaxUploadBytes = 64 << 20

// Trainer runs a training job to completion.
type Trainer interface {
	Start(ctx context.Context, cfg models.TrainingJobConfig) (*training.Outcome, error)
}

// Inferencer runs inference and manages the Hugging Face credential.
type Inferencer interface {
	Infer(ctx context.Context, req models.InferenceRequest) (string, error)
	HuggingFaceLogin(ctx context.Context, token string) error
}

// JobLister lists the jobs tracked by this process.
type JobLister interface {
	Snapshot() []monitor.JobStatus
}

// Handler handles HTTP requests
type Handler struct {
	datasets   *dataset.Store
	repo       *repository.Repository
	trainer    Trainer
	inferencer Inferencer
	jobs       JobLister
}

// NewHandler creates a new handler instance
func NewHandler(datasets *dataset.Store, repo *repository.Repository, trainer Trainer, inferencer Inferencer, jobs JobLister) *Handler {
	return &Handler{
		datasets:   datasets,
		repo:       repo,
		trainer:    trainer,
		inferencer: inferencer,
		jobs:       jobs,
	}
}

// UploadData handles POST /upload-<kind>-data
func (h *Handler) UploadData(kind dataset.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			log.Printf("Failed to get file from request: %v", err)
			h.respondError(c, apperrors.Wrap(apperrors.InvalidRequest, err, "file is required"))
			return
		}
		defer file.Close()

		if header.Size > MaxUploadBytes {
			h.respondError(c, apperrors.New(apperrors.InvalidFormat, "file is larger than %d bytes", MaxUploadBytes))
			return
		}

		data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
		if err != nil {
			h.respondError(c, apperrors.Wrap(apperrors.InvalidRequest, err, "failed to read uploaded file"))
			return
		}
		if len(data) > MaxUploadBytes {
			h.respondError(c, apperrors.New(apperrors.InvalidFormat, "file is larger than %d bytes", MaxUploadBytes))
			return
		}

		log.Printf("Uploading %s dataset: %s (size: %d bytes)", kind, header.Filename, len(data))

		if err := h.datasets.Upload(c.Request.Context(), kind, header.Filename, data); err != nil {
			h.respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":   "success",
			"message":  fmt.Sprintf("%s data uploaded successfully", kind),
			"filename": header.Filename,
		})
	}
}

// ListDataEntries handles GET /data-entries?file_type=<kind>
func (h *Handler) ListDataEntries(c *gin.Context) {
	kind, err := dataset.ParseKind(c.Query("file_type"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	entries, err := h.datasets.List(c.Request.Context(), kind)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.DataEntriesResponse{
		Status:  "success",
		Columns: kind.Columns(),
		Data:    entries,
	})
}

// AddDataEntry handles POST /add-data/:kind
func (h *Handler) AddDataEntry(c *gin.Context) {
	kind, err := dataset.ParseKind(c.Param("kind"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req models.DataEntryRequest
	if !h.bindJSON(c, &req) {
		return
	}

	entry, err := h.datasets.Add(c.Request.Context(), kind, req.Fields())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Data added successfully",
		"data":    entry,
	})
}

// UpdateDataEntry handles POST /update-data/:kind
func (h *Handler) UpdateDataEntry(c *gin.Context) {
	kind, err := dataset.ParseKind(c.Param("kind"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req models.DataEntryRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.ID == nil {
		h.respondError(c, apperrors.New(apperrors.InvalidRequest, "id is required"))
		return
	}

	entry, err := h.datasets.Update(c.Request.Context(), kind, *req.ID, req.Fields())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Data with ID %d updated successfully", entry.ID),
		"data":    entry,
	})
}

// DeleteDataEntry handles POST /delete-data/:kind
func (h *Handler) DeleteDataEntry(c *gin.Context) {
	kind, err := dataset.ParseKind(c.Param("kind"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req models.DeleteRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.datasets.Delete(c.Request.Context(), kind, *req.ID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Data with ID %d deleted successfully", *req.ID),
	})
}

// StartTraining handles POST /start_training_test. The request is held open
// until the training process exits.
func (h *Handler) StartTraining(c *gin.Context) {
	var req models.TrainingJobRequest
	if !h.bindJSON(c, &req) {
		return
	}

	cfg, err := req.ToConfig()
	if err != nil {
		if apperrors.KindOf(err) == apperrors.Internal {
			err = apperrors.Wrap(apperrors.InvalidRequest, err, "invalid training configuration")
		}
		h.respondError(c, err)
		return
	}

	log.Printf("[%s] Training requested for model %s on %s data", middleware.GetRequestID(c), cfg.ModelID, cfg.DatasetKind)

	// A client disconnect must not kill a running training process.
	outcome, err := h.trainer.Start(context.WithoutCancel(c.Request.Context()), cfg)
	if err != nil {
		h.respondError(c, err)
		return
	}

	log.Printf("Training finished: %s", outcome)
	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"message":      "Training completed successfully",
		"job_id":       outcome.JobID,
		"adapter_path": outcome.AdapterPath,
		"merged_path":  outcome.MergedPath,
		"metrics":      outcome.Metrics,
		"description":  outcome.Description,
		"logs":         outcome.Logs,
	})
}

// RunInference handles POST /run_inference
func (h *Handler) RunInference(c *gin.Context) {
	var req models.InferenceRequest
	if !h.bindJSON(c, &req) {
		return
	}

	answer, err := h.inferencer.Infer(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"predicted_sql": answer,
	})
}

// HuggingFaceLogin handles POST /huggingface/login
func (h *Handler) HuggingFaceLogin(c *gin.Context) {
	var req models.HuggingFaceLoginRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.inferencer.HuggingFaceLogin(c.Request.Context(), req.HFToken); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Logged in to Hugging Face successfully",
	})
}

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   h.jobs.Snapshot(),
	})
}

// bindJSON binds the request body and responds with InvalidRequest on
// failure.
func (h *Handler) bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		log.Printf("[%s] Invalid request payload: %v", middleware.GetRequestID(c), err)
		h.respondError(c, apperrors.Wrap(apperrors.InvalidRequest, err, "invalid request payload"))
		return false
	}
	return true
}

// respondError writes the error envelope with the status of the error kind.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Printf("[%s] Request failed (%s): %v", middleware.GetRequestID(c), kind, err)
	}
	c.JSON(status, gin.H{
		"status":  "error",
		"error":   string(kind),
		"details": err.Error(),
	})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.InvalidFormat, apperrors.MissingData, apperrors.InvalidRequest:
		return http.StatusBadRequest
	case apperrors.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

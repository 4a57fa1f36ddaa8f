package repository

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
	"github.com/loiht2/ml-platform-finetune/backend/config"
	"github.com/loiht2/ml-platform-finetune/backend/models"
)

// activateLockKey identifies the postgres advisory lock taken by Activate.
const activateLockKey = 7305441

// Repository is the model registry backed by the trained_models table
type Repository struct {
	db *gorm.DB

	// activateMu serializes Activate inside this process; lockRegistry
	// serializes it across processes sharing the database.
	activateMu sync.Mutex
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Register inserts a new record. It is the only write path for new rows,
// so registering the same job id twice fails.
func (r *Repository) Register(ctx context.Context, model *config.TrainedModel) error {
	if model.JobID == "" || model.AdapterPath == "" || model.MergedPath == "" {
		return apperrors.New(apperrors.DBError, "job id, adapter path and merged path are required")
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return apperrors.Wrap(apperrors.DBError, err, "failed to register model %s", model.JobID)
	}
	log.Printf("Registered model %s (status: %s)", model.JobID, model.Status)
	return nil
}

// ListAll returns every record, newest first
func (r *Repository) ListAll(ctx context.Context) ([]config.TrainedModel, error) {
	var records []config.TrainedModel
	if err := r.db.WithContext(ctx).Order("training_date DESC").Find(&records).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.DBError, err, "failed to list models")
	}
	return records, nil
}

// Get retrieves a record by job id
func (r *Repository) Get(ctx context.Context, jobID string) (*config.TrainedModel, error) {
	return r.get(r.db.WithContext(ctx), jobID)
}

func (r *Repository) get(tx *gorm.DB, jobID string) (*config.TrainedModel, error) {
	var record config.TrainedModel
	if err := tx.Where("job_id = ?", jobID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.NotFound, "model with job id %q not found", jobID)
		}
		return nil, apperrors.Wrap(apperrors.DBError, err, "failed to get model %s", jobID)
	}
	return &record, nil
}

// Exists reports whether a record with jobID is present
func (r *Repository) Exists(ctx context.Context, jobID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&config.TrainedModel{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
		return false, apperrors.Wrap(apperrors.DBError, err, "failed to look up model %s", jobID)
	}
	return count > 0, nil
}

// Activate marks jobID as the single deployed model. Every record that was
// deployed becomes inactive in the same transaction; an unknown jobID
// changes nothing.
func (r *Repository) Activate(ctx context.Context, jobID string) error {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRegistry(tx); err != nil {
			return apperrors.Wrap(apperrors.DBError, err, "failed to lock registry")
		}

		if _, err := r.get(tx, jobID); err != nil {
			return err
		}

		if err := tx.Model(&config.TrainedModel{}).
			Where("status = ?", config.StatusDeployed).
			Update("status", config.StatusInactive).Error; err != nil {
			return apperrors.Wrap(apperrors.DBError, err, "failed to deactivate deployed models")
		}

		if err := tx.Model(&config.TrainedModel{}).
			Where("job_id = ?", jobID).
			Update("status", config.StatusDeployed).Error; err != nil {
			return apperrors.Wrap(apperrors.DBError, err, "failed to deploy model %s", jobID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Model %s deployed successfully", jobID)
	return nil
}

// lockRegistry serializes concurrent activations on databases with row or
// advisory locks. sqlite already serializes writers on its single connection.
func lockRegistry(tx *gorm.DB) error {
	switch tx.Dialector.Name() {
	case "postgres":
		return tx.Exec("SELECT pg_advisory_xact_lock(?)", activateLockKey).Error
	case "mysql":
		var ids []string
		return tx.Model(&config.TrainedModel{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Pluck("job_id", &ids).Error
	default:
		return nil
	}
}

// Remove deletes the artifact directories of jobID and then its record.
// The two steps are not atomic: a crash in between leaves a record whose
// directories are gone.
func (r *Repository) Remove(ctx context.Context, jobID string) error {
	record, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}

	for _, dir := range []string{record.AdapterPath, record.MergedPath} {
		if err := os.RemoveAll(dir); err != nil {
			return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to remove %s", dir)
		}
		log.Printf("Removed artifact directory %s", dir)
	}

	result := r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&config.TrainedModel{})
	if result.Error != nil {
		return apperrors.Wrap(apperrors.DBError, result.Error, "failed to delete model %s", jobID)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.NotFound, "model with job id %q not found", jobID)
	}

	log.Printf("Model %s deleted successfully", jobID)
	return nil
}

// ToResponse converts a database record to the API response
func (r *Repository) ToResponse(record *config.TrainedModel) models.ModelResponse {
	return models.ModelResponse{
		JobID:        record.JobID,
		BaseModelID:  record.BaseModelID,
		AdapterPath:  record.AdapterPath,
		MergedPath:   record.MergedPath,
		TrainingDate: record.TrainingDate,
		EvalAccuracy: record.EvalAccuracy,
		EvalLoss:     record.EvalLoss,
		LoraR:        record.LoraR,
		Status:       record.Status,
		Description:  record.Description,
	}
}

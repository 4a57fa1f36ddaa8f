package config

import (
	"time"
)

// Registry statuses. At most one record is StatusDeployed at any time.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDeployed  = "deployed"
	StatusInactive  = "inactive"
)

// TrainedModel represents a trained model artifact in the database
type TrainedModel struct {
	JobID        string    `gorm:"column:job_id;primaryKey"`
	BaseModelID  string    `gorm:"column:base_model_id;not null"`
	AdapterPath  string    `gorm:"column:adapter_path;not null"`
	MergedPath   string    `gorm:"column:merged_path;not null"`
	TrainingDate time.Time `gorm:"column:training_date;autoCreateTime"`
	EvalAccuracy *float64  `gorm:"column:eval_accuracy"`
	EvalLoss     *float64  `gorm:"column:eval_loss"`
	LoraR        *int      `gorm:"column:lora_r"`
	Status       string    `gorm:"column:status;index;default:completed"`
	Description  *string   `gorm:"column:description;type:text"`
}

// TableName overrides the table name
func (TrainedModel) TableName() string {
	return "trained_models"
}

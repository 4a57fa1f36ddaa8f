package models

import (
	"fmt"
	"time"

	"github.com/loiht2/ml-platform-finetune/backend/dataset"
)

// Default training hyperparameters applied when a request omits them.
const (
	DefaultComputeDType             = "bfloat16"
	DefaultAttnImplementation       = "eager"
	DefaultLoraAlpha                = 128
	DefaultLoraDropout              = 0.05
	DefaultLoraR                    = 64
	DefaultLoraTargetModules        = "all-linear"
	DefaultPerDeviceTrainBatchSize  = 1
	DefaultGradientAccumulationStep = 4
	DefaultNumTrainEpochs           = 10
	DefaultLearningRate             = 2e-4
	DefaultLRSchedulerType          = "constant"
	DefaultOptim                    = "adamw_torch_fused"
)

// TrainingJobRequest is the payload of POST /start_training_test.
// Optional fields are pointers so that an omitted value can take its default.
type TrainingJobRequest struct {
	ModelID                  string   `json:"model_id" binding:"required"`
	SystemMessage            string   `json:"system_message" binding:"required"`
	FileType                 string   `json:"file_type" binding:"required"`
	LoadIn4Bit               *bool    `json:"load_in_4bit"`
	Bnb4BitComputeDType      *string  `json:"bnb_4bit_compute_dtype" binding:"omitempty,oneof=bfloat16 float16 float32"`
	AttnImplementation       *string  `json:"attn_implementation" binding:"omitempty,oneof=eager sdpa flash_attention_2"`
	LoraAlpha                *int     `json:"lora_alpha" binding:"omitempty,gt=0"`
	LoraDropout              *float64 `json:"lora_dropout" binding:"omitempty,gte=0,lt=1"`
	LoraR                    *int     `json:"lora_r" binding:"omitempty,gt=0"`
	LoraTargetModules        *string  `json:"lora_target_modules" binding:"omitempty,min=1"`
	PerDeviceTrainBatchSize  *int     `json:"per_device_train_batch_size" binding:"omitempty,gt=0"`
	GradientAccumulationStep *int     `json:"gradient_accumulation_steps" binding:"omitempty,gt=0"`
	NumTrainEpochs           *int     `json:"num_train_epochs" binding:"omitempty,gt=0"`
	LearningRate             *float64 `json:"learning_rate" binding:"omitempty,gt=0"`
	LRSchedulerType          *string  `json:"lr_scheduler_type" binding:"omitempty,min=1"`
	Optim                    *string  `json:"optim" binding:"omitempty,min=1"`
}

// TrainingJobConfig is the fully populated, validated configuration of one
// training job. It is passed by value and never mutated.
type TrainingJobConfig struct {
	ModelID                   string       `json:"model_id" yaml:"model_id"`
	SystemMessage             string       `json:"system_message" yaml:"system_message"`
	DatasetKind               dataset.Kind `json:"file_type" yaml:"file_type"`
	LoadIn4Bit                bool         `json:"load_in_4bit" yaml:"load_in_4bit"`
	Bnb4BitComputeDType       string       `json:"bnb_4bit_compute_dtype" yaml:"bnb_4bit_compute_dtype"`
	AttnImplementation        string       `json:"attn_implementation" yaml:"attn_implementation"`
	LoraAlpha                 int          `json:"lora_alpha" yaml:"lora_alpha"`
	LoraDropout               float64      `json:"lora_dropout" yaml:"lora_dropout"`
	LoraR                     int          `json:"lora_r" yaml:"lora_r"`
	LoraTargetModules         string       `json:"lora_target_modules" yaml:"lora_target_modules"`
	PerDeviceTrainBatchSize   int          `json:"per_device_train_batch_size" yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps int          `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	NumTrainEpochs            int          `json:"num_train_epochs" yaml:"num_train_epochs"`
	LearningRate              float64      `json:"learning_rate" yaml:"learning_rate"`
	LRSchedulerType           string       `json:"lr_scheduler_type" yaml:"lr_scheduler_type"`
	Optim                     string       `json:"optim" yaml:"optim"`
}

// ToConfig applies defaults and resolves the dataset kind.
func (r *TrainingJobRequest) ToConfig() (TrainingJobConfig, error) {
	kind, err := dataset.ParseKind(r.FileType)
	if err != nil {
		return TrainingJobConfig{}, err
	}

	cfg := TrainingJobConfig{
		ModelID:                   r.ModelID,
		SystemMessage:             r.SystemMessage,
		DatasetKind:               kind,
		LoadIn4Bit:                true,
		Bnb4BitComputeDType:       DefaultComputeDType,
		AttnImplementation:        DefaultAttnImplementation,
		LoraAlpha:                 DefaultLoraAlpha,
		LoraDropout:               DefaultLoraDropout,
		LoraR:                     DefaultLoraR,
		LoraTargetModules:         DefaultLoraTargetModules,
		PerDeviceTrainBatchSize:   DefaultPerDeviceTrainBatchSize,
		GradientAccumulationSteps: DefaultGradientAccumulationStep,
		NumTrainEpochs:            DefaultNumTrainEpochs,
		LearningRate:              DefaultLearningRate,
		LRSchedulerType:           DefaultLRSchedulerType,
		Optim:                     DefaultOptim,
	}

	if r.LoadIn4Bit != nil {
		cfg.LoadIn4Bit = *r.LoadIn4Bit
	}
	if r.Bnb4BitComputeDType != nil {
		cfg.Bnb4BitComputeDType = *r.Bnb4BitComputeDType
	}
	if r.AttnImplementation != nil {
		cfg.AttnImplementation = *r.AttnImplementation
	}
	if r.LoraAlpha != nil {
		cfg.LoraAlpha = *r.LoraAlpha
	}
	if r.LoraDropout != nil {
		cfg.LoraDropout = *r.LoraDropout
	}
	if r.LoraR != nil {
		cfg.LoraR = *r.LoraR
	}
	if r.LoraTargetModules != nil {
		cfg.LoraTargetModules = *r.LoraTargetModules
	}
	if r.PerDeviceTrainBatchSize != nil {
		cfg.PerDeviceTrainBatchSize = *r.PerDeviceTrainBatchSize
	}
	if r.GradientAccumulationStep != nil {
		cfg.GradientAccumulationSteps = *r.GradientAccumulationStep
	}
	if r.NumTrainEpochs != nil {
		cfg.NumTrainEpochs = *r.NumTrainEpochs
	}
	if r.LearningRate != nil {
		cfg.LearningRate = *r.LearningRate
	}
	if r.LRSchedulerType != nil {
		cfg.LRSchedulerType = *r.LRSchedulerType
	}
	if r.Optim != nil {
		cfg.Optim = *r.Optim
	}

	if err := cfg.Validate(); err != nil {
		return TrainingJobConfig{}, err
	}
	return cfg, nil
}

// Validate checks the invariants of a populated config.
func (c TrainingJobConfig) Validate() error {
	switch {
	case c.ModelID == "":
		return fmt.Errorf("model_id is required")
	case c.SystemMessage == "":
		return fmt.Errorf("system_message is required")
	case !c.DatasetKind.Valid():
		return fmt.Errorf("unknown dataset kind %q", c.DatasetKind)
	case c.LoraAlpha <= 0 || c.LoraR <= 0:
		return fmt.Errorf("lora_alpha and lora_r must be positive")
	case c.LoraDropout < 0 || c.LoraDropout >= 1:
		return fmt.Errorf("lora_dropout must be in [0, 1)")
	case c.PerDeviceTrainBatchSize <= 0 || c.GradientAccumulationSteps <= 0 || c.NumTrainEpochs <= 0:
		return fmt.Errorf("batch size, gradient accumulation steps and epochs must be positive")
	case c.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive")
	}
	return nil
}

// InferenceRequest is the payload of POST /run_inference.
type InferenceRequest struct {
	ModelID             string `json:"model_id" binding:"required"`
	Question            string `json:"question" binding:"required"`
	SchemaInfo          string `json:"schema_info"`
	Bnb4BitComputeDType string `json:"bnb_4bit_compute_dtype" binding:"omitempty,oneof=bfloat16 float16 float32"`
}

// DataEntryRequest carries the fields of add/update-data. Only non-nil
// fields are written on update.
type DataEntryRequest struct {
	ID       *int    `json:"id"`
	Question *string `json:"question"`
	Answer   *string `json:"answer"`
	Schema   *string `json:"schema"`
}

// Fields returns the provided fields keyed by column name.
func (r *DataEntryRequest) Fields() map[string]string {
	fields := make(map[string]string, 3)
	if r.Question != nil {
		fields["question"] = *r.Question
	}
	if r.Answer != nil {
		fields["answer"] = *r.Answer
	}
	if r.Schema != nil {
		fields["schema"] = *r.Schema
	}
	return fields
}

// DeleteRequest is the payload of POST /delete-data/:kind.
type DeleteRequest struct {
	ID *int `json:"id" binding:"required"`
}

// HuggingFaceLoginRequest is the payload of POST /huggingface/login.
type HuggingFaceLoginRequest struct {
	HFToken string `json:"hf_token" binding:"required"`
}

// ModelActionRequest identifies a registry record.
type ModelActionRequest struct {
	JobID string `json:"job_id" binding:"required"`
}

// ModelResponse is a registry record as sent to the frontend.
type ModelResponse struct {
	JobID        string    `json:"job_id"`
	BaseModelID  string    `json:"base_model_id"`
	AdapterPath  string    `json:"adapter_path"`
	MergedPath   string    `json:"merged_path"`
	TrainingDate time.Time `json:"training_date"`
	EvalAccuracy *float64  `json:"eval_accuracy"`
	EvalLoss     *float64  `json:"eval_loss"`
	LoraR        *int      `json:"lora_r"`
	Status       string    `json:"status"`
	Description  *string   `json:"description"`
}

// DataEntriesResponse is the payload of GET /data-entries.
type DataEntriesResponse struct {
	Status  string          `json:"status"`
	Columns []string        `json:"columns"`
	Data    []dataset.Entry `json:"data"`
}

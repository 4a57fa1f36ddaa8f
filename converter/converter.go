// Package converter turns validated job configurations into the command-line
// contract of the training and inference scripts.
package converter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loiht2/ml-platform-finetune/backend/models"
)

const (
	turnPrefix  = "<bos><start_of_turn>user\n"
	turnSuffix  = "<end_of_turn>\n<start_of_turn>model\n"
	modelMarker = "<start_of_turn>model\n"

	sqlPromptTemplate = "You are an text to SQL query translator. Users will ask you questions and you will generate a SQL query based on the provided SCHEMA.\n\n    SCHEMA:\n    %s\n\n    %s"
)

// Paths locates the inputs and outputs of one training job.
type Paths struct {
	AdapterDir string
	MergedDir  string
	DataFile   string
}

// TrainingArgs renders the flags passed to the training script. The flag
// order is fixed; the script relies on it.
func TrainingArgs(cfg models.TrainingJobConfig, paths Paths) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if paths.AdapterDir == "" || paths.MergedDir == "" || paths.DataFile == "" {
		return nil, fmt.Errorf("adapter, merged and data paths are required")
	}
	for name, value := range map[string]string{
		"bnb_4bit_compute_dtype": cfg.Bnb4BitComputeDType,
		"attn_implementation":    cfg.AttnImplementation,
		"lora_target_modules":    cfg.LoraTargetModules,
		"lr_scheduler_type":      cfg.LRSchedulerType,
		"optim":                  cfg.Optim,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%s must not be empty", name)
		}
	}

	return []string{
		"--model_id", cfg.ModelID,
		"--system_message", cfg.SystemMessage,
		"--adapter_output_dir", paths.AdapterDir,
		"--merged_output_dir", paths.MergedDir,
		"--data_file_path", paths.DataFile,
		"--load_in_4bit", formatBool(cfg.LoadIn4Bit),
		"--bnb_4bit_compute_dtype", cfg.Bnb4BitComputeDType,
		"--attn_implementation", cfg.AttnImplementation,
		"--lora_alpha", strconv.Itoa(cfg.LoraAlpha),
		"--lora_dropout", formatFloat(cfg.LoraDropout),
		"--lora_r", strconv.Itoa(cfg.LoraR),
		"--lora_target_modules", cfg.LoraTargetModules,
		"--per_device_train_batch_size", strconv.Itoa(cfg.PerDeviceTrainBatchSize),
		"--gradient_accumulation_steps", strconv.Itoa(cfg.GradientAccumulationSteps),
		"--num_train_epochs", strconv.Itoa(cfg.NumTrainEpochs),
		"--learning_rate", formatFloat(cfg.LearningRate),
		"--lr_scheduler_type", cfg.LRSchedulerType,
		"--optim", cfg.Optim,
	}, nil
}

// InferencePrompt builds the text-to-SQL prompt in the chat turn template.
func InferencePrompt(question, schema string) string {
	return turnPrefix + fmt.Sprintf(sqlPromptTemplate, schema, question) + turnSuffix
}

// InferenceArgs renders the flags passed to the inference script.
func InferenceArgs(req models.InferenceRequest, prompt string, maxNewTokens int) []string {
	dtype := req.Bnb4BitComputeDType
	if dtype == "" {
		dtype = models.DefaultComputeDType
	}
	return []string{
		"--model_id", req.ModelID,
		"--prompt", prompt,
		"--bnb_4bit_compute_dtype", dtype,
		"--max_new_tokens", strconv.Itoa(maxNewTokens),
	}
}

// ExtractAnswer returns the model's reply from the generated text: whatever
// follows the last model turn marker, trimmed.
func ExtractAnswer(generated string) string {
	if i := strings.LastIndex(generated, modelMarker); i >= 0 {
		generated = generated[i+len(modelMarker):]
	}
	return strings.TrimSpace(generated)
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

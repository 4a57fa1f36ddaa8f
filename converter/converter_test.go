package converter

import (
	"strings"
	"testing"

	"github.com/loiht2/ml-platform-finetune/backend/dataset"
	"github.com/loiht2/ml-platform-finetune/backend/models"
)

func defaultConfig(t *testing.T) models.TrainingJobConfig {
	t.Helper()
	req := &models.TrainingJobRequest{
		ModelID:       "google/gemma-2b",
		SystemMessage: "You translate questions to SQL.",
		FileType:      string(dataset.KindSchemaQA),
	}
	cfg, err := req.ToConfig()
	if err != nil {
		t.Fatalf("ToConfig: %v", err)
	}
	return cfg
}

var testPaths = Paths{
	AdapterDir: "outputs/adapters/job-2024-05-01_10-00-00",
	MergedDir:  "outputs/merged/job-2024-05-01_10-00-00",
	DataFile:   "data/uploaded_schema-qa_data.xlsx",
}

func TestTrainingArgs_Order(t *testing.T) {
	args, err := TrainingArgs(defaultConfig(t), testPaths)
	if err != nil {
		t.Fatalf("TrainingArgs: %v", err)
	}

	wantFlags := []string{
		"--model_id", "--system_message", "--adapter_output_dir", "--merged_output_dir",
		"--data_file_path", "--load_in_4bit", "--bnb_4bit_compute_dtype", "--attn_implementation",
		"--lora_alpha", "--lora_dropout", "--lora_r", "--lora_target_modules",
		"--per_device_train_batch_size", "--gradient_accumulation_steps", "--num_train_epochs",
		"--learning_rate", "--lr_scheduler_type", "--optim",
	}
	if len(args) != 2*len(wantFlags) {
		t.Fatalf("got %d args, want %d", len(args), 2*len(wantFlags))
	}
	for i, flag := range wantFlags {
		if args[2*i] != flag {
			t.Errorf("arg %d = %q, want %q", 2*i, args[2*i], flag)
		}
	}
}

func TestTrainingArgs_Values(t *testing.T) {
	args, err := TrainingArgs(defaultConfig(t), testPaths)
	if err != nil {
		t.Fatalf("TrainingArgs: %v", err)
	}

	values := make(map[string]string)
	for i := 0; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}

	tests := []struct {
		flag string
		want string
	}{
		{"--model_id", "google/gemma-2b"},
		{"--adapter_output_dir", testPaths.AdapterDir},
		{"--merged_output_dir", testPaths.MergedDir},
		{"--data_file_path", testPaths.DataFile},
		{"--load_in_4bit", "True"},
		{"--bnb_4bit_compute_dtype", "bfloat16"},
		{"--attn_implementation", "eager"},
		{"--lora_alpha", "128"},
		{"--lora_dropout", "0.05"},
		{"--lora_r", "64"},
		{"--lora_target_modules", "all-linear"},
		{"--per_device_train_batch_size", "1"},
		{"--gradient_accumulation_steps", "4"},
		{"--num_train_epochs", "10"},
		{"--learning_rate", "0.0002"},
		{"--lr_scheduler_type", "constant"},
		{"--optim", "adamw_torch_fused"},
	}
	for _, tt := range tests {
		if got := values[tt.flag]; got != tt.want {
			t.Errorf("%s = %q, want %q", tt.flag, got, tt.want)
		}
	}
}

func TestTrainingArgs_FalseBoolean(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.LoadIn4Bit = false

	args, err := TrainingArgs(cfg, testPaths)
	if err != nil {
		t.Fatalf("TrainingArgs: %v", err)
	}
	if args[11] != "False" {
		t.Errorf("--load_in_4bit = %q, want False", args[11])
	}
}

func TestTrainingArgs_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.TrainingJobConfig, *Paths)
	}{
		{"empty model", func(c *models.TrainingJobConfig, _ *Paths) { c.ModelID = "" }},
		{"zero lora r", func(c *models.TrainingJobConfig, _ *Paths) { c.LoraR = 0 }},
		{"dropout of one", func(c *models.TrainingJobConfig, _ *Paths) { c.LoraDropout = 1 }},
		{"negative learning rate", func(c *models.TrainingJobConfig, _ *Paths) { c.LearningRate = -1 }},
		{"blank optimizer", func(c *models.TrainingJobConfig, _ *Paths) { c.Optim = " " }},
		{"missing data file", func(_ *models.TrainingJobConfig, p *Paths) { p.DataFile = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			paths := testPaths
			tt.mutate(&cfg, &paths)
			if _, err := TrainingArgs(cfg, paths); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestInferencePrompt(t *testing.T) {
	prompt := InferencePrompt("How many users are there?", "CREATE TABLE users (id INT)")

	if !strings.HasPrefix(prompt, "<bos><start_of_turn>user\nYou are an text to SQL query translator.") {
		t.Errorf("unexpected prompt prefix: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "How many users are there?<end_of_turn>\n<start_of_turn>model\n") {
		t.Errorf("unexpected prompt suffix: %q", prompt)
	}
	if !strings.Contains(prompt, "SCHEMA:\n    CREATE TABLE users (id INT)\n\n") {
		t.Errorf("schema missing from prompt: %q", prompt)
	}
}

func TestInferenceArgs_DefaultDType(t *testing.T) {
	args := InferenceArgs(models.InferenceRequest{ModelID: "outputs/merged/job-1"}, "p", 256)
	want := []string{"--model_id", "outputs/merged/job-1", "--prompt", "p", "--bnb_4bit_compute_dtype", "bfloat16", "--max_new_tokens", "256"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Errorf("InferenceArgs = %q, want %q", args, want)
	}
}

func TestExtractAnswer(t *testing.T) {
	tests := []struct {
		name      string
		generated string
		want      string
	}{
		{
			name:      "single turn",
			generated: InferencePrompt("q", "s") + "SELECT COUNT(*) FROM users;\n",
			want:      "SELECT COUNT(*) FROM users;",
		},
		{
			name:      "last marker wins",
			generated: "<start_of_turn>model\nfirst<start_of_turn>model\n  SELECT 1  ",
			want:      "SELECT 1",
		},
		{
			name:      "no marker",
			generated: "  SELECT 2\n",
			want:      "SELECT 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractAnswer(tt.generated); got != tt.want {
				t.Errorf("ExtractAnswer() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Package launcher runs the training, inference and Hugging Face login
// processes.
package launcher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
	"github.com/loiht2/ml-platform-finetune/backend/converter"
	"github.com/loiht2/ml-platform-finetune/backend/models"
	"github.com/loiht2/ml-platform-finetune/backend/telemetry"
)

// maxDetail caps how much process output ends up in error messages.
const maxDetail = 500

// loginScript stores the HF_TOKEN credential through huggingface_hub. The
// token is read from the environment so it never appears on argv.
const loginScript = `import os
from huggingface_hub import login
login(token=os.environ["HF_TOKEN"], add_to_git_credential=os.environ.get("HF_ADD_TO_GIT_CREDENTIAL") == "1")
`

// Options locates the interpreter and scripts.
//
// InferenceScript is called as
//
//	<script> --model_id <path> --prompt <text> --bnb_4bit_compute_dtype <dtype> --max_new_tokens <n>
//
// and must print the generated text, including the model turn marker, to
// stdout.
type Options struct {
	Python             string
	TrainingScript     string
	InferenceScript    string
	AddToGitCredential bool
	MaxNewTokens       int
}

// Launcher builds command lines and runs them through a Runner.
type Launcher struct {
	runner Runner
	opts   Options
}

// New creates a launcher. A nil runner uses ExecRunner.
func New(runner Runner, opts Options) *Launcher {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = 256
	}
	return &Launcher{runner: runner, opts: opts}
}

// Train runs the training script for cfg and waits for it to exit.
func (l *Launcher) Train(ctx context.Context, cfg models.TrainingJobConfig, paths converter.Paths) (Result, error) {
	flags, err := converter.TrainingArgs(cfg, paths)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.InvalidRequest, err, "invalid training configuration")
	}
	args := append([]string{l.opts.TrainingScript}, flags...)

	log.Printf("Starting training process: %s %s", l.opts.Python, strings.Join(args, " "))
	return l.run(ctx, "train", l.opts.Python, args, nil)
}

// Infer generates an answer for req and returns it. The process owns the
// loaded model, so its memory is released when it exits either way.
func (l *Launcher) Infer(ctx context.Context, req models.InferenceRequest) (string, error) {
	prompt := converter.InferencePrompt(req.Question, req.SchemaInfo)
	args := append([]string{l.opts.InferenceScript}, converter.InferenceArgs(req, prompt, l.opts.MaxNewTokens)...)

	log.Printf("Starting inference with model %s", req.ModelID)
	result, err := l.run(ctx, "infer", l.opts.Python, args, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.InferenceFailure, err, "failed to run inference")
	}
	if result.ExitCode != 0 {
		return "", apperrors.New(apperrors.InferenceFailure, "inference exited with code %d: %s",
			result.ExitCode, tail(result.Output(), maxDetail))
	}
	answer := converter.ExtractAnswer(result.Stdout)
	if answer == "" {
		return "", apperrors.New(apperrors.InferenceFailure, "inference produced no answer: %s",
			tail(result.Output(), maxDetail))
	}
	return answer, nil
}

// HuggingFaceLogin stores token as the Hugging Face credential of the host.
func (l *Launcher) HuggingFaceLogin(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return apperrors.New(apperrors.InvalidRequest, "hf_token is required")
	}

	log.Println("Running Hugging Face login")
	env := []string{"HF_TOKEN=" + token}
	if l.opts.AddToGitCredential {
		env = append(env, "HF_ADD_TO_GIT_CREDENTIAL=1")
	}
	result, err := l.run(ctx, "huggingface-login", l.opts.Python, []string{"-c", loginScript}, env)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err, "failed to run huggingface login")
	}
	if result.ExitCode != 0 {
		output := strings.ReplaceAll(result.Output(), token, "[redacted]")
		return apperrors.New(apperrors.InvalidRequest, "huggingface login failed: %s", tail(output, maxDetail))
	}
	log.Println("Hugging Face login succeeded")
	return nil
}

// run executes one process inside a launcher.run span. Neither args nor
// env are recorded on the span.
func (l *Launcher) run(ctx context.Context, kind, name string, args, env []string) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "launcher.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("launcher.kind", kind),
		attribute.String("launcher.command", name),
	)

	result, err := l.runner.Run(ctx, name, args, env)
	if err != nil {
		log.Printf("Failed to run %s process: %v", kind, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	span.SetAttributes(attribute.Int("launcher.exit_code", result.ExitCode))
	if result.ExitCode != 0 {
		log.Printf("%s process exited with code %d", kind, result.ExitCode)
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", result.ExitCode))
	}
	return result, nil
}

// tail returns at most n trailing characters of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return "..." + string(runes[len(runes)-n:])
}

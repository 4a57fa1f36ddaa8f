package training

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
)

// descriptionLimit is how many characters of process output a failed
// record's description keeps.
const descriptionLimit = 100

var (
	evalAccuracyRe = regexp.MustCompile(`['"]eval_accuracy['"]\s*:\s*([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`)
	evalLossRe     = regexp.MustCompile(`['"]eval_loss['"]\s*:\s*([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`)
)

// Metrics are the evaluation results reported by the training process.
type Metrics struct {
	Accuracy *float64 `json:"eval_accuracy"`
	Loss     *float64 `json:"eval_loss"`
}

// ParseMetrics scans training output for eval_accuracy and eval_loss. The
// process reports them once per evaluation, so the last occurrence wins.
func ParseMetrics(output string) Metrics {
	return Metrics{
		Accuracy: lastFloat(evalAccuracyRe, output),
		Loss:     lastFloat(evalLossRe, output),
	}
}

func lastFloat(re *regexp.Regexp, output string) *float64 {
	matches := re.FindAllStringSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		v, err := strconv.ParseFloat(matches[i][1], 64)
		if err == nil {
			return &v
		}
	}
	return nil
}

// ClassifyFailure maps a failed training run to an error kind.
func ClassifyFailure(exitCode int, output string) *apperrors.Error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "out of memory"):
		return apperrors.New(apperrors.ResourceExhaustion,
			"GPU out of memory. Try reducing batch size, LoRA rank or using a smaller model")
	case strings.Contains(lower, "valueerror"):
		return apperrors.New(apperrors.TrainingFailure,
			"training failed due to a configuration or data problem: %s", truncate(output, descriptionLimit))
	default:
		return apperrors.New(apperrors.TrainingFailure,
			"training process exited with code %d: %s", exitCode, truncate(output, descriptionLimit))
	}
}

// failureDescription is the description stored on a failed record.
func failureDescription(exitCode int, output string) string {
	return fmt.Sprintf("training failed with exit code %d. %s...", exitCode, truncate(output, descriptionLimit))
}

// errorDescription is the description stored when a job fails outside the
// training process.
func errorDescription(err error) string {
	return fmt.Sprintf("training job error: %s...", truncate(err.Error(), descriptionLimit))
}

func successDescription(modelID string, loraR int) string {
	return fmt.Sprintf("training completed: %s with LoRA r=%d", modelID, loraR)
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

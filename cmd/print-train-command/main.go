// Command print-train-command resolves a training request the way
// POST /start_training_test does and prints the resulting configuration and
// training command line without running anything.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/loiht2/ml-platform-finetune/backend/converter"
	"github.com/loiht2/ml-platform-finetune/backend/models"
	"github.com/loiht2/ml-platform-finetune/backend/training"
)

func main() {
	flags := pflag.NewFlagSet("print-train-command", pflag.ExitOnError)
	dataDir := flags.String("data-dir", "models_ml/data", "dataset directory")
	outputDir := flags.String("output-dir", "models_ml/outputs", "artifact directory")
	python := flags.String("python", "python3", "python interpreter")
	script := flags.String("script", "models_ml/training/train_data.py", "training script")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: print-train-command [flags] <request.json | ->\n")
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	if err := run(os.Stdout, flags.Arg(0), *dataDir, *outputDir, *python, *script); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, path, dataDir, outputDir, python, script string) error {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	var req models.TrainingJobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	cfg, err := req.ToConfig()
	if err != nil {
		return err
	}

	jobID := training.NewJobID(time.Now())
	paths := converter.Paths{
		AdapterDir: filepath.Join(outputDir, "adapters", jobID),
		MergedDir:  filepath.Join(outputDir, "merged", jobID),
		DataFile:   filepath.Join(dataDir, cfg.DatasetKind.FileName()),
	}
	args, err := converter.TrainingArgs(cfg, paths)
	if err != nil {
		return err
	}

	resolved, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	fmt.Fprintln(out, "=== Resolved configuration ===")
	fmt.Fprint(out, string(resolved))
	fmt.Fprintln(out, "\n=== Training command ===")
	fmt.Fprintln(out, shellJoin(append([]string{python, script}, args...)))
	return nil
}

// shellJoin quotes arguments that a POSIX shell would split or expand.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

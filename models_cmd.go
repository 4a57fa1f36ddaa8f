package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loiht2/ml-platform-finetune/backend/config"
	"github.com/loiht2/ml-platform-finetune/backend/repository"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage the trained model registry",
	}

	cmd.AddCommand(newModelsListCmd())
	cmd.AddCommand(newModelsActivateCmd())
	return cmd
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trained models, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(repo *repository.Repository) error {
				records, err := repo.ListAll(cmd.Context())
				if err != nil {
					return err
				}
				printModels(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
}

func newModelsActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <job-id>",
		Short: "Mark a model as the single deployed model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(repo *repository.Repository) error {
				if err := repo.Activate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s deployed\n", args[0])
				return nil
			})
		},
	}
}

// withRepository opens the registry database for the duration of fn.
// Registry commands never need the Kubernetes client.
func withRepository(cmd *cobra.Command, fn func(*repository.Repository) error) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	settings.Mirror.Enabled = false

	cfg, err := config.New(settings)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	defer cfg.Close()

	return fn(repository.NewRepository(cfg.DB))
}

func printModels(out io.Writer, records []config.TrainedModel) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No trained models.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tBASE MODEL\tSTATUS\tLORA R\tEVAL ACCURACY\tTRAINED AT")
	for _, r := range records {
		loraR := "-"
		if r.LoraR != nil {
			loraR = fmt.Sprintf("%d", *r.LoraR)
		}
		acc := "-"
		if r.EvalAccuracy != nil {
			acc = fmt.Sprintf("%.4f", *r.EvalAccuracy)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID, r.BaseModelID, r.Status, loraR, acc, r.TrainingDate.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

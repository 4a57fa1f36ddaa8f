package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loiht2/ml-platform-finetune/backend/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ftserver",
		Short:         "Fine-tuning platform backend",
		Long:          "ftserver manages question/answer datasets, runs LoRA fine-tuning jobs and keeps the registry of trained models.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to config file (default ./configs/config.yaml or ./config.yaml)")
	flags.String("port", "", "server port")
	flags.String("db-driver", "", "database driver: postgres, mysql or sqlite")
	flags.String("db-dsn", "", "database DSN")
	flags.String("data-dir", "", "dataset directory")
	flags.String("output-dir", "", "training artifact directory")
	flags.String("kubeconfig", "", "path to kubeconfig file (optional, uses in-cluster config if not provided)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ftserver %s (commit: %s)\n", Version, Commit)
		},
	}
}

// loadSettings reads the settings for cmd. Flags the user set override the
// config file and environment.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(configFile, cmd.Flags())
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

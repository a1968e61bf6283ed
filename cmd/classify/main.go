// Command classify runs one classification from the command line and prints
// the outcome as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"moonlight/app"
	"moonlight/classify"
	"moonlight/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		req        classify.Request
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Run a QSVM classification on the quantum provider",
		Long: "Loads the training, testing and prediction CSVs, runs the classification " +
			"on the provider, writes classifiedFile.csv next to the prediction file and " +
			"emails the result.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Token == "" {
				req.Token = os.Getenv("MOONLIGHT_PROVIDER_TOKEN")
			}
			if req.Token == "" {
				return fmt.Errorf("a provider token is required (--token or MOONLIGHT_PROVIDER_TOKEN)")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, runErr := a.Service.Classify(ctx, req)
			if out != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (defaults apply when empty)")
	flags.StringVar(&req.TrainPath, "train", "", "training dataset CSV")
	flags.StringVar(&req.TestPath, "test", "", "testing dataset CSV")
	flags.StringVar(&req.PredictionPath, "predict", "", "CSV of points to classify")
	flags.StringSliceVarP(&req.Features, "feature", "f", nil, "feature column to use (repeatable)")
	flags.StringVar(&req.Token, "token", "", "provider API token")
	flags.StringVar(&req.Backend, "backend", "", "preferred backend name")
	flags.StringVar(&req.Email, "email", "", "address that receives the result")
	for _, name := range []string{"train", "test", "predict", "feature"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

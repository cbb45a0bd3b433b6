package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/expensync/internal/client"
	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	logLevel   string

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

// Commands annotated with noClient only need the configuration.
const noClient = "no-client"

var rootCmd = &cobra.Command{
	Use:   "expensync",
	Short: "Track expenses locally and sync them to the cloud and a spreadsheet",
	Long: `expensync keeps a local ledger of expenses, budgets and assets and
pushes it to a DynamoDB/S3 store and a Google spreadsheet. Only expenses that
changed since the last sync are uploaded.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			_ = apiClient.Close()
		}
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./expensync.yaml or ~/.config/expensync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
}

func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	if logLevel != "" {
		loader.Set("log.level", logLevel)
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if _, skip := cmd.Annotations[noClient]; skip {
		return nil
	}

	apiClient, err = client.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !jsonOutput {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

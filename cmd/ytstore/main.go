package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ytdb "github.com/JetBrains/youtrackdb-sub019"
	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
)

var (
	configFile string
	storePath  string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ytstore",
	Short:         "Inspect and maintain a storage",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(config.EnvPrefix, configFile)
		if err != nil {
			return err
		}
		if storePath != "" {
			cfg.Storage.Path = storePath
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "path", "p", "", "storage path, or memory:<name>")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(infoCmd(), checkCmd(), checkpointCmd(), rebuildIndexCmd(), historyCmd(), shellCmd())
}

// openDatabase opens the configured storage. Automatic checkpoints stay off
// for one-shot commands.
func openDatabase(ctx context.Context, autoCheckpoint bool) (*ytdb.Database, error) {
	c := *cfg
	c.Checkpoint.Auto = autoCheckpoint
	return ytdb.Open(ctx, ytdb.Options{Config: &c, Logger: logger.Get()})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

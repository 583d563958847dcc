// autodev is the autonomous task orchestration daemon: it decomposes
// requests into PRDs, stories, and tasks, then drives an external coding
// agent through them with quality gates and independent verification.
package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autodev/internal/config"
	"autodev/internal/logging"
)

var (
	flagWorkspace   string
	flagProject     string
	flagProjectPath string
	flagVerbose     bool

	cfg *config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:           "autodev",
	Short:         "Autonomous task orchestration over an external coding agent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; explicit environment wins either way.
		_ = godotenv.Load()

		if flagWorkspace == "" {
			ws, err := config.FindWorkspaceRoot()
			if err != nil {
				return err
			}
			flagWorkspace = ws
		}

		var err error
		cfg, err = config.Load(flagWorkspace)
		if err != nil {
			return err
		}
		if flagVerbose {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Initialize(flagWorkspace, cfg.Logging); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}

		log, err = newConsoleLogger(flagVerbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
		logging.CloseAll()
	},
}

// newConsoleLogger builds the operator-facing console logger. The category
// file logs under .autodev/logs remain the detailed record.
func newConsoleLogger(verbose bool) (*zap.SugaredLogger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zc.DisableStacktrace = true
	if !verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "",
		"workspace root holding .autodev state (default: walk up from cwd)")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "default",
		"logical project name scoping PRDs and learnings")
	rootCmd.PersistentFlags().StringVar(&flagProjectPath, "project-path", ".",
		"repository the coding agent works in")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"enable debug logging")
}

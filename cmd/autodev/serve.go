package main

import (
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autodev/internal/config"
	"autodev/internal/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the autonomous loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.StartLoop(ctx); err != nil {
			return err
		}
		log.Infow("autonomous loop running",
			"workspace", flagWorkspace,
			"project", flagProject,
			"max_parallel", cfg.Scheduler.MaxParallel)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			// Hot-reload watcher; only logging and cooldown settings take
			// effect without a restart.
			w := config.NewWatcher(flagWorkspace, func(fresh *config.Config) {
				log.Infow("configuration reloaded")
			})
			if err := w.Run(gctx); err != nil && gctx.Err() == nil {
				log.Warnw("config watcher stopped", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		_ = g.Wait()
		log.Infow("shutting down")
		m.StopLoop()
		return nil
	},
}

// newManager wires a Manager from the loaded config and global flags.
func newManager() (*manager.Manager, error) {
	if !filepath.IsAbs(cfg.Storage.DatabasePath) {
		cfg.Storage.DatabasePath = filepath.Join(flagWorkspace, cfg.Storage.DatabasePath)
	}
	projectPath, err := filepath.Abs(flagProjectPath)
	if err != nil {
		return nil, err
	}
	return manager.New(cfg, manager.Options{
		ProjectPath: projectPath,
		Project:     flagProject,
		Notify: func(userID, message string) {
			log.Infow("notify", "user", userID, "message", message)
		},
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

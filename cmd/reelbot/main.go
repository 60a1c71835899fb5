package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"reelbot/internal/app"
	"reelbot/internal/config"
	"reelbot/internal/eventbus"
	"reelbot/internal/pipeline"
	logx "reelbot/pkg/logx"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "reelbot",
		Short:         "feed-to-channel publishing bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	root.AddCommand(runCmd(), daemonCmd(), statsCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig parses and validates the config file. When quiet is true the
// returned logger only prints warnings, keeping report output clean.
func loadConfig(quiet bool) (*config.Manager, *logx.Service, logx.Logger, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, logx.Logger{}, err
	}

	logCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if quiet {
		logCfg = logx.Config{Level: "warn", Console: true}
	}
	svc, log := logx.New(logCfg)
	mgr.SetLogger(log.With(logx.String("component", "config")))
	return mgr, svc, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "execute a single publish cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, svc, log, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := signalContext()
			defer cancel()

			cfg := mgr.Get()
			store, err := app.OpenLedger(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			runner, err := app.BuildRunner(cfg, store, eventbus.New(), log)
			if err != nil {
				return err
			}

			res := runner.RunCycle(ctx)
			switch res.Outcome {
			case pipeline.Published:
				fmt.Printf("published %s (%s)\n", res.Record.SourceID, res.Record.PlatformURL)
				return nil
			case pipeline.NoOp:
				fmt.Println("nothing to publish:", res.Reason)
				return nil
			default:
				return fmt.Errorf("cycle failed at %s: %w", res.Stage, res.Err)
			}
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, svc, log, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.New(mgr, svc, log)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

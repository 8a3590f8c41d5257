package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/classdesk/rollcall/internal/connectivity"
	"github.com/classdesk/rollcall/internal/daemon"
	"github.com/classdesk/rollcall/internal/dashboard"
	"github.com/classdesk/rollcall/internal/engine"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon probes connectivity, drains the mutation queue whenever the
link comes back, periodically pulls server-side changes, and imports
observation files dropped by the recognition collaborator. With
--dashboard it also serves a local WebSocket feed of sync activity.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("drop-dir", "", "observation drop folder to watch (empty disables)")
	daemonCmd.Flags().Bool("dashboard", false, "serve the sync dashboard WebSocket feed")
	_ = viper.BindPFlag("daemon.drop_dir", daemonCmd.Flags().Lookup("drop-dir"))
	_ = viper.BindPFlag("dashboard.enabled", daemonCmd.Flags().Lookup("dashboard"))
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir := viper.GetString("data.dir")

	// Daemon output goes to stderr and a rotated log file, so a device
	// that runs unattended for a term keeps a bounded history.
	logWriter := io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "logs", "daemon.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	})
	logger := log.New(logWriter, "[daemon] ", log.LstdFlags)

	var events engine.Events
	var dash *dashboard.Server
	var handler *dashboard.Handler
	if viper.GetBool("dashboard.enabled") {
		dash = dashboard.NewServer(&dashboard.Config{
			Port:   viper.GetInt("dashboard.port"),
			Logger: log.New(logWriter, "[dashboard] ", log.LstdFlags),
		})
		handler = dashboard.NewHandler(dash, logger)
		events = handler
	}

	app, err := openApp(events, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if dash != nil {
		if err := dash.Start(); err != nil {
			return err
		}
		defer func() {
			if err := dash.Stop(); err != nil {
				logger.Printf("Dashboard shutdown error: %v", err)
			}
		}()
	}

	cfg := daemon.DefaultConfig()
	cfg.ReconcileInterval = viper.GetDuration("daemon.reconcile_interval")
	cfg.DropDir = viper.GetString("daemon.drop_dir")
	cfg.Logger = logger

	d, err := daemon.New(app.Engine, app.Monitor, cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The dashboard gets its own view of connectivity transitions; the
	// engine events only cover drain and reconcile activity.
	if handler != nil {
		transitions := app.Monitor.Subscribe()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-transitions:
					if !ok {
						return
					}
					handler.OnlineChanged(event == connectivity.BecameOnline)
				}
			}
		}()
	}

	return d.Start(ctx)
}

// Command rc is the classroom attendance client.
//
// It records enrollments and attendance sessions into a durable local
// cache, queues every write as a mutation, and reconciles with the
// authoritative roster server whenever connectivity allows.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "rc",
	Short: "Offline-first classroom attendance client",
	Long: `rc records enrollments and attendance on a classroom device and
keeps them in sync with the roster server.

Every write lands in a durable local queue first, so the device works
fully offline; the sync engine drains the queue and pulls server-side
changes once the link is back.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "record", Title: "Recording commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: .rollcall)")
	_ = viper.BindPFlag("data.dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	cobra.OnInitialize(initConfig)
}

// initConfig loads rollcall.yaml and the ROLLCALL_* environment.
//
// Retry and backoff policy live here rather than in code: the protocol
// leaves them as deployment choices.
func initConfig() {
	viper.SetConfigName("rollcall")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/rollcall")

	viper.SetEnvPrefix("rollcall")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("data.dir", ".rollcall")
	viper.SetDefault("server.url", "http://localhost:8400")
	viper.SetDefault("api.timeout", 10*time.Second)
	viper.SetDefault("sync.max_attempts", 5)
	viper.SetDefault("sync.backoff_base", time.Second)
	viper.SetDefault("sync.backoff_cap", 60*time.Second)
	viper.SetDefault("connectivity.probe_interval", 5*time.Second)
	viper.SetDefault("connectivity.stability_window", 2*time.Second)
	viper.SetDefault("daemon.reconcile_interval", 30*time.Second)
	viper.SetDefault("dashboard.port", 8787)

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

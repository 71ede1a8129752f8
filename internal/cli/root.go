// Package cli wires the peer commands: send serves a room, receive
// downloads from one.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"peerdrop/internal/activity"
	"peerdrop/internal/config"
	"peerdrop/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "peerdrop",
	Short:         "Direct peer-to-peer file transfer",
	Long:          "peerdrop shares files directly between peers over a data channel.\nA signaling server brokers the introduction; file bytes never touch it.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("host", "", "signaling server host")
	flags.Int("port", 0, "signaling server port")
	flags.Bool("tls", false, "use wss/https towards the signaling server")
	flags.StringP("verbosity", "v", "", "log level (debug|info|warn|error)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
}

// loadConfig overlays command flags on top of env and defaults.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()
	flags := cmd.Flags()
	if v, err := flags.GetString("host"); err == nil && v != "" {
		cfg.SignalingHost = v
	}
	if v, err := flags.GetInt("port"); err == nil && v != 0 {
		cfg.SignalingPort = v
	}
	if flags.Changed("tls") {
		if v, err := flags.GetBool("tls"); err == nil {
			cfg.TLS = v
		}
	}
	if v, err := flags.GetString("verbosity"); err == nil && v != "" {
		cfg.Verbosity = v
	}
	return cfg
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logger.New(logger.ParseLevel(cfg.Verbosity))
}

// notifyTerminal is the activity notifier both commands install: error
// events surface on stderr, everything else stays in the log.
func notifyTerminal(t activity.Type) {
	if t.IsError() || t == activity.DisconnectedFromServer {
		fmt.Fprintln(os.Stderr, errorStyle.Render(string(t)))
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

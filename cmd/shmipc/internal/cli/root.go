// Package cli wires up the shmipc command-line tool: a thin cobra
// command tree over the message and queue packages, logged through zap
// the way this module logs everywhere else.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logLevel string

// Root builds the shmipc command tree.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shmipc",
		Short:         "Create, inspect, and poke at shmipc shared-memory regions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newQueueCmd())
	return cmd
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, err
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	return cfg.Build()
}

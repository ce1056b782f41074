package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peterje/termbridge/internal/config"
	"github.com/peterje/termbridge/internal/logger"
)

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "termbridge: %v\n", err)
		os.Exit(1)
	}
}

var configDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "termbridge",
		Short:         "Terminal host and client bridge over a shared WebSocket",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newHostCmd())
	root.AddCommand(newAttachCmd())
	root.AddCommand(newLsCmd())
	root.AddCommand(newGatewayCmd())
	return root
}

// loadConfig binds the named flags of cmd onto viper keys and loads the
// merged configuration. Flags only win when set on the command line.
func loadConfig(cmd *cobra.Command, binds map[string]string) (*config.Config, error) {
	v := config.New(configDir)
	binds["logging.level"] = "log-level"
	for key, name := range binds {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return config.Load(v)
}

func newLogger(cfg logger.LoggingConfig) (*logger.Logger, error) {
	log, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/climatoology/climatoology/broker"
)

func init() {
	RootCmd.AddCommand(pluginsCmd)
}

// pluginsCmd pings the worker registry and prints who answered.
var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "list plugin workers currently connected to the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		br, err := broker.Connect(broker.Config{
			URL:         cfg.Broker.URL,
			InfoTTL:     cfg.Broker.InfoTTL,
			PingTimeout: cfg.Broker.PingTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to task broker: %w", err)
		}
		defer br.Close()

		workers, err := br.PingWorkers(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to ping workers: %w", err)
		}
		if len(workers) == 0 {
			cmd.Println("no plugin workers connected")
			return nil
		}
		for _, w := range workers {
			cmd.Printf("%-40s version %-12s library %-8s %s\n",
				w.Hostname, w.PluginVersion, w.LibraryVersion, strings.Join(w.Capabilities, ","))
		}
		return nil
	},
}

// cmd/oprf-node/main.go
// OPRF 节点入口

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"nullifier/config"
	"nullifier/logs"
	"nullifier/node"
	"nullifier/shutdown"
	"nullifier/types"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "oprf-node",
	Short: "Threshold OPRF node holding one key share per epoch",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node RPC server until SIGINT/SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadNodeConfig(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := shutdown.SignalContext(context.Background())
		defer stop()
		err = node.Run(ctx, cfg)
		if errors.Is(err, types.ErrUngracefulShutdown) {
			logs.Error("[Node] did not shut down gracefully: %v", err)
		}
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the node version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("oprf-node %s\n", node.Version)
	},
}

func init() {
	d := config.DefaultNodeConfig()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (json/yaml/toml)")

	f := serveCmd.Flags()
	f.String("bind-addr", d.BindAddr, "address the HTTP/3 server listens on")
	f.String("environment", d.Environment, "dev or prod")
	f.String("log-level", d.LogLevel, "trace|debug|verbose|info|warn|error")
	f.String("data-path", d.Storage.DataPath, "badger directory for key shares")
	f.Bool("in-memory", d.Storage.InMemory, "keep key shares in memory only")
	f.String("oracle-url", d.Auth.OracleURL, "face oracle base URL")
	f.StringSlice("auth-module", d.Auth.Modules, "enabled auth modules (face, jwt, none)")
	f.Int("rate-limit", d.RateLimit.Limit, "requests per IP per window, 0 disables")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "oprf-node: %v\n", err)
		os.Exit(1)
	}
}

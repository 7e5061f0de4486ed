// cmd/oprf-dev-client/main.go
// 开发客户端：run / reshare-test / stress

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nullifier/config"
	"nullifier/devclient"
	"nullifier/logs"
	"nullifier/shutdown"
	"nullifier/types"
)

var (
	cfgFile    string
	localNodes int
)

var rootCmd = &cobra.Command{
	Use:          "oprf-dev-client",
	Short:        "Drive a threshold OPRF deployment: single runs, reshare scenario, stress test",
	SilenceUsage: true,
}

// withClient 加载配置、连接节点并完成 setup 后执行 fn
func withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.DevClientConfig, d *devclient.DevClient, s devclient.Setup) error) error {
	cfg, err := config.LoadDevClientConfig(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	logs.SetLevel(cfg.LogLevel)
	logger := logs.NewNodeLogger("dev-client")

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	var d *devclient.DevClient
	if localNodes > 0 {
		logger.Info("[DevClient] starting %d in-process nodes", localNodes)
		d, _, err = devclient.NewLocal(ctx, cfg, localNodes, logger)
	} else {
		logger.Info("[DevClient] connecting to %d nodes over %s, t=%d", len(cfg.Nodes), cfg.Transport.Protocol, cfg.Threshold)
		d, err = devclient.NewRemote(ctx, cfg, logger)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("[DevClient] close: %v", err)
		}
	}()

	s, err := d.Setup(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, d, s)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute one salted nullifier at the configured epoch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, _ *config.DevClientConfig, d *devclient.DevClient, s devclient.Setup) error {
			ep, err := d.Run(ctx, s, s.Epoch)
			if err != nil {
				return err
			}
			fmt.Printf("oprf ok: key=%s epoch=%d\n", s.KeyID, ep)
			return nil
		})
	},
}

var reshareCmd = &cobra.Command{
	Use:   "reshare-test",
	Short: "Reshare twice and check the old epoch stays usable once, then goes stale",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, _ *config.DevClientConfig, d *devclient.DevClient, s devclient.Setup) error {
			if err := d.ReshareTest(ctx, s); err != nil {
				return err
			}
			fmt.Println("reshare test passed")
			return nil
		})
	},
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run stress.count requests with stress.concurrency in the configured send mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, cfg *config.DevClientConfig, d *devclient.DevClient, s devclient.Setup) error {
			mode, err := types.ParseSendMode(cfg.Orchestrator.Mode)
			if err != nil {
				return err
			}
			sum, err := d.Stress(ctx, s, mode)
			if err != nil {
				return err
			}
			fmt.Println(sum)
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d requests failed", sum.Failed, sum.Count)
			}
			return nil
		})
	},
}

func init() {
	d := config.DefaultDevClientConfig()
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (json/yaml/toml)")
	f.IntVar(&localNodes, "local", 0, "run against N in-process nodes instead of --nodes")
	f.StringSlice("nodes", d.Nodes, "node base URLs, party id = position")
	f.Int("threshold", d.Threshold, "threshold t")
	f.String("key-id", d.KeyID, "OPRF key id; empty runs key generation")
	f.Uint64("epoch", d.ShareEpoch, "share epoch to request")
	f.Duration("max-wait", d.MaxWaitTime, "max wait for node health and public key agreement")
	f.String("registry", d.RegistryRef, "registry address key ids are derived from")
	f.String("mode", d.Orchestrator.Mode, "parallel or sequential")
	f.Duration("deadline", d.Orchestrator.Deadline, "per request deadline")
	f.Bool("skip-checks", d.Orchestrator.SkipChecks, "skip proof verification")
	f.String("protocol", d.Transport.Protocol, "http3, https or http")
	f.Bool("insecure", d.Transport.InsecureSkipVerify, "accept self-signed node certificates")
	f.Int("count", d.Stress.Count, "stress test request count")
	f.Int("concurrency", d.Stress.Concurrency, "stress test concurrency")
	f.String("log-level", d.LogLevel, "trace|debug|verbose|info|warn|error")
	f.String("auth-module", d.AuthModule, "auth module sent with init")
	f.String("action", d.Action, "action prefix for nullifier queries")

	rootCmd.AddCommand(runCmd, reshareCmd, stressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "oprf-dev-client: %v\n", err)
		os.Exit(1)
	}
}

// Copyright (c) OpenMMLab. All rights reserved.

package launch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reduceall/pkg/config"
	"reduceall/pkg/launcher"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewCmdLaunch(v *viper.Viper) *cobra.Command {
	var opts launcher.Options

	cmd := &cobra.Command{
		Use:   "launch [flags] [-- command [args...]]",
		Short: "Start one worker per local device without a cluster scheduler",
		Long: `Start nproc-per-node workers on this node with scheduler-style variables set.
Without a command, each worker runs "reduceall run".

Examples:
  reduceall launch --nproc-per-node 4
  reduceall launch --nnodes 2 --node-rank 1 --master-addr node000 --nproc-per-node 8
  reduceall launch --nproc-per-node 2 -- reduceall run --device-source static:2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				self, err := os.Executable()
				if err != nil {
					return fmt.Errorf("resolve own executable: %w", err)
				}
				args = []string{self, "run"}
			}
			for _, key := range []string{config.KeyMasterAddr, config.KeyMasterPort} {
				_ = v.BindPFlag(key, cmd.Flags().Lookup(key))
			}
			opts.Command = args
			opts.MasterAddr = v.GetString(config.KeyMasterAddr)
			opts.MasterPort = v.GetInt(config.KeyMasterPort)
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return launcher.Run(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.NProcPerNode, "nproc-per-node", 1, "Number of workers to start on this node")
	flags.IntVar(&opts.NNodes, "nnodes", 1, "Number of nodes taking part")
	flags.IntVar(&opts.NodeRank, "node-rank", 0, "Index of this node")
	flags.BoolVar(&opts.PrefixOutput, "prefix-output", false, "Prefix every output line with the worker rank")
	flags.String(config.KeyMasterAddr, config.DefaultMasterAddr, "Address of the rank 0 store (env MASTER_ADDR)")
	flags.Int(config.KeyMasterPort, config.DefaultMasterPort, "Port of the rank 0 store (env MASTER_PORT)")

	return cmd
}

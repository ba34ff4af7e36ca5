// Copyright (c) OpenMMLab. All rights reserved.

package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reduceall/logger"
	"reduceall/pkg/config"
	"reduceall/pkg/device"
	"reduceall/pkg/smoketest"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// flags that override the environment and config file
var boundKeys = []string{
	config.KeyMasterAddr, config.KeyMasterPort, config.KeyBackend, config.KeyDeviceSource,
	config.KeyInitTimeout, config.KeyCollectiveTimeout, config.KeyTeardownTimeout, config.KeyVerify,
	config.KeyPushGateway, config.KeyJobName,
}

func NewCmdRun(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one smoke test worker",
		Long: `Run one worker of the all-reduce smoke test. Rank, world size and GPUs per node
are read from the scheduler environment:
  SLURM_PROCID (or RANK), WORLD_SIZE (or SLURM_NTASKS), SLURM_GPUS_ON_NODE (or LOCAL_WORLD_SIZE)
Rank 0 hosts the process group store on MASTER_ADDR:MASTER_PORT.

Examples:
  srun --ntasks-per-node=4 --gpus-per-node=4 reduceall run
  SLURM_PROCID=0 WORLD_SIZE=1 SLURM_GPUS_ON_NODE=1 reduceall run --device-source static:1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range boundKeys {
				_ = v.BindPFlag(key, cmd.Flags().Lookup(key))
			}
			cfg, err := config.Load(v)
			if err != nil {
				logger.Logger.Error("Invalid worker configuration", zap.Error(err))
				return err
			}
			counter, err := device.NewCounter(cfg.DeviceSource)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := &smoketest.Runner{
				Config:  cfg,
				Counter: counter,
				Out:     cmd.OutOrStdout(),
			}
			if _, err := runner.Run(ctx); err != nil {
				logger.WithRank(cfg.Rank, cfg.WorldSize).Error("Smoke test failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String(config.KeyMasterAddr, config.DefaultMasterAddr, "Address of the rank 0 store (env MASTER_ADDR)")
	flags.Int(config.KeyMasterPort, config.DefaultMasterPort, "Port of the rank 0 store (env MASTER_PORT)")
	flags.String(config.KeyBackend, config.DefaultBackend, "Process group backend")
	flags.String(config.KeyDeviceSource, "auto", "Device count source: auto, nvml, env or static:<n>")
	flags.Duration(config.KeyInitTimeout, 5*time.Minute, "Timeout for process group formation")
	flags.Duration(config.KeyCollectiveTimeout, time.Minute, "Timeout for each collective, including the parameter broadcast")
	flags.Duration(config.KeyTeardownTimeout, 30*time.Second, "How long rank 0 waits for the other ranks to leave before stopping the store")
	flags.Bool(config.KeyVerify, true, "Fail unless every element equals the sum of all ranks")
	flags.String(config.KeyPushGateway, "", "Pushgateway URL (e.g., http://localhost:9091)")
	flags.String(config.KeyJobName, "reduceall", "Job name for metrics")

	return cmd
}

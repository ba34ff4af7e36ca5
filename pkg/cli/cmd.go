// Copyright (c) OpenMMLab. All rights reserved.

package cli

import (
	"reduceall/pkg/cli/launch"
	"reduceall/pkg/cli/run"
	"reduceall/pkg/cli/version"
	"reduceall/pkg/config"

	"github.com/spf13/cobra"
)

func NewReduceAllCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmds := &cobra.Command{
		Use:   "reduceall",
		Short: "Multi-node collective communication smoke test",
		Long: `Verify that a sum all-reduce across every worker of a job produces the expected result.
Usage:
  reduceall [subcommand] [parameters]

Example:
  srun --ntasks-per-node=4 --gpus-per-node=4 reduceall run --master-port 29500
  reduceall launch --nproc-per-node 4`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadConfigFile(v, configPath)
		},
	}

	// Disable auto-completion command
	cmds.CompletionOptions.DisableDefaultCmd = true

	cmds.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Specify the path to the configuration file (default ./reduceall.yaml)")

	cmds.AddCommand(
		run.NewCmdRun(v),
		launch.NewCmdLaunch(v),
		version.NewCmdVersion(),
	)

	return cmds
}

// Copyright (c) OpenMMLab. All rights reserved.

package version

import (
	"fmt"

	v "reduceall/pkg/version"

	"github.com/spf13/cobra"
)

func NewCmdVersion() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), v.GetVersionInfo())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "The reduceall version information is as follows:")
			fmt.Fprint(cmd.OutOrStdout(), v.GetStructuredVersion().Format())
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print the version on a single line")
	return cmd
}

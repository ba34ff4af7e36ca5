// Copyright (c) OpenMMLab. All rights reserved.

package main

import (
	"fmt"
	"os"

	"reduceall/pkg/cli"
)

func main() {
	reduceall := cli.NewReduceAllCommand()

	if err := reduceall.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Copyright (c) OpenMMLab. All rights reserved.

package device

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLCounter asks the NVIDIA management library for the device count.
type NVMLCounter struct {
	lib nvml.Interface
}

func NewNVMLCounter() *NVMLCounter {
	return &NVMLCounter{lib: nvml.New()}
}

func (n *NVMLCounter) Name() string { return "nvml" }

func (n *NVMLCounter) Count(ctx context.Context) (int, error) {
	if ret := n.lib.Init(); ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to initialize NVML: %s", n.lib.ErrorString(ret))
	}
	defer n.lib.Shutdown()

	count, ret := n.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %s", n.lib.ErrorString(ret))
	}
	return count, nil
}

// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"context"
	"fmt"

	"reduceall/pkg/device"
	"reduceall/pkg/nn"

	"gonum.org/v1/gonum/mat"
)

// DataParallel replicates a module across the process group. Parameters
// are broadcast from rank 0 on construction so every replica starts from
// the same weights.
type DataParallel struct {
	module   nn.Module
	pg       *ProcessGroup
	devices  []device.Device
	training bool
}

func NewDataParallel(ctx context.Context, module nn.Module, pg *ProcessGroup, devices ...device.Device) (*DataParallel, error) {
	if !pg.IsInitialized() {
		return nil, ErrNotInitialized
	}
	for i, p := range module.Parameters() {
		if err := pg.Broadcast(ctx, p, 0); err != nil {
			return nil, fmt.Errorf("sync parameter %d: %w", i, err)
		}
	}
	return &DataParallel{
		module:   module,
		pg:       pg,
		devices:  devices,
		training: true,
	}, nil
}

// Eval switches the wrapper to inference mode.
func (d *DataParallel) Eval() *DataParallel {
	d.training = false
	return d
}

func (d *DataParallel) Training() bool { return d.training }

func (d *DataParallel) Devices() []device.Device { return d.devices }

func (d *DataParallel) Forward(x *mat.Dense) (*mat.Dense, error) {
	return d.module.Forward(x)
}

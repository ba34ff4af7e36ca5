// Copyright (c) OpenMMLab. All rights reserved.

// Package smoketest runs the all-reduce check a single worker performs:
// form the group, push rank·ones(1,4) through the identity network,
// sum-reduce the output and compare it with the closed form.
package smoketest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"reduceall/logger"
	"reduceall/pkg/config"
	"reduceall/pkg/device"
	"reduceall/pkg/dist"
	"reduceall/pkg/nn"
	"reduceall/pkg/prom/metrics"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var ErrVerification = errors.New("all-reduce result does not match expected sum of ranks")

type Runner struct {
	Config  *config.Config
	Counter device.Counter
	Out     io.Writer
	// Listener is handed to the store on rank 0 when set.
	Listener net.Listener
}

type Result struct {
	Rank     int
	Data     []float64
	Output   []float64
	Reduced  []float64
	Expected float64
}

// ExpectedSum is 0+1+...+(worldSize-1).
func ExpectedSum(worldSize int) float64 {
	return float64(worldSize) * float64(worldSize-1) / 2
}

func (r *Runner) Run(ctx context.Context) (res *Result, err error) {
	cfg := r.Config
	log := logger.WithRank(cfg.Rank, cfg.WorldSize)

	reported, err := r.Counter.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count devices via %s: %w", r.Counter.Name(), err)
	}
	if err := device.CheckGPUCount(cfg.GPUsPerNode, reported); err != nil {
		return nil, err
	}
	fmt.Fprintf(r.Out, "Hello from rank %d of %d on %s where there are %d allocated GPUs per node.\n",
		cfg.Rank, cfg.WorldSize, cfg.Hostname, cfg.GPUsPerNode)

	localRank := cfg.LocalRank()
	pg, err := dist.Init(ctx, dist.Options{
		Backend:   cfg.Backend,
		Rank:      cfg.Rank,
		WorldSize: cfg.WorldSize,
		LocalRank: localRank,
		Hostname:  cfg.Hostname,
		StoreAddr: cfg.StoreAddr(),
		Listener:  r.Listener,
		Timeout:   cfg.InitTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		teardownCtx, cancel := r.teardownContext(ctx)
		defer cancel()
		if derr := pg.Destroy(teardownCtx); derr != nil && !errors.Is(derr, dist.ErrNotInitialized) {
			log.Error("Failed to destroy process group", zap.Error(derr))
			if err == nil {
				err = derr
			}
		}
		if perr := metrics.PushToGateway(cfg.PushGatewayURL, cfg.JobName, cfg.Hostname, cfg.Rank); perr != nil {
			log.Warn("Metrics push failed", zap.Error(perr))
		}
	}()
	if cfg.Rank == 0 {
		fmt.Fprintf(r.Out, "Group initialized? %t\n", pg.IsInitialized())
	}

	dev := device.Device{Index: localRank}
	model := nn.NewNet().To(dev)
	syncCtx, cancelSync := r.collectiveContext(ctx)
	ddp, err := dist.NewDataParallel(syncCtx, model, pg, dev)
	cancelSync()
	if err != nil {
		return nil, err
	}
	ddp.Eval()
	log.Debug("Model replicated", zap.Stringers("devices", ddp.Devices()), zap.Bool("training", ddp.Training()))

	data := nn.Full(1, nn.Features, float64(cfg.Rank))
	output, err := ddp.Forward(data)
	if err != nil {
		return nil, err
	}
	res = &Result{
		Rank:     cfg.Rank,
		Data:     rawCopy(data),
		Output:   rawCopy(output),
		Expected: ExpectedSum(cfg.WorldSize),
	}
	r.report(dev, data, output)

	reduceCtx, cancelReduce := r.collectiveContext(ctx)
	defer cancelReduce()
	if err := pg.AllReduce(reduceCtx, output, dist.Sum); err != nil {
		return res, err
	}
	res.Reduced = rawCopy(output)
	r.report(dev, data, output)

	if !cfg.Verify {
		return res, nil
	}
	ok := verify(res.Reduced, res.Expected)
	metrics.SetVerification(ok)
	if !ok {
		return res, fmt.Errorf("%w: got %v, want %v", ErrVerification, res.Reduced, res.Expected)
	}
	log.Info("All-reduce verified", zap.Float64("sum", res.Expected))
	return res, nil
}

// collectiveContext bounds one collective by the configured timeout.
func (r *Runner) collectiveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Config.CollectiveTimeout > 0 {
		return context.WithTimeout(ctx, r.Config.CollectiveTimeout)
	}
	return context.WithCancel(ctx)
}

// teardownContext survives cancellation of the run so the group is still
// left after an interrupt or a failed collective, but is itself bounded by
// the teardown timeout.
func (r *Runner) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Config.TeardownTimeout > 0 {
		return context.WithTimeout(context.WithoutCancel(ctx), r.Config.TeardownTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Runner) report(dev device.Device, data, output *mat.Dense) {
	fmt.Fprintf(r.Out, "host: %s, rank: %d, output: %s (%s), data: %s (%s)\n",
		r.Config.Hostname, r.Config.Rank, nn.Format(output), dev, nn.Format(data), dev)
}

func verify(got []float64, want float64) bool {
	if len(got) != nn.Features {
		return false
	}
	for _, v := range got {
		if v != want {
			return false
		}
	}
	return true
}

func rawCopy(t *mat.Dense) []float64 {
	rows, cols := t.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		out = append(out, t.RawRowView(i)...)
	}
	return out
}

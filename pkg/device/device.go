// Copyright (c) OpenMMLab. All rights reserved.

// Package device discovers how many accelerators this node reports and
// names the logical device a worker is placed on.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"reduceall/logger"

	"go.uber.org/zap"
)

var ErrDeviceCountMismatch = errors.New("allocated GPU count does not match reported device count")

// Counter reports the number of accelerators visible to this process.
type Counter interface {
	Count(ctx context.Context) (int, error)
	Name() string
}

// Device is the logical placement of a worker's tensors.
type Device struct {
	Index int
}

func (d Device) String() string {
	return "cuda:" + strconv.Itoa(d.Index)
}

// NewCounter parses a device source: auto, nvml, env or static:<n>.
func NewCounter(source string) (Counter, error) {
	source = strings.TrimSpace(strings.ToLower(source))
	switch {
	case source == "" || source == "auto":
		return AutoCounter{NewNVMLCounter(), EnvCounter{}}, nil
	case source == "nvml":
		return NewNVMLCounter(), nil
	case source == "env":
		return EnvCounter{}, nil
	case strings.HasPrefix(source, "static:"):
		n, err := strconv.Atoi(strings.TrimPrefix(source, "static:"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid static device count in %q", source)
		}
		return StaticCounter(n), nil
	default:
		return nil, fmt.Errorf("unknown device source %q", source)
	}
}

// CheckGPUCount aborts the smoke test early when the scheduler allocation
// and the node disagree.
func CheckGPUCount(configured, reported int) error {
	if configured != reported {
		return fmt.Errorf("%w: SLURM_GPUS_ON_NODE=%d, reported=%d", ErrDeviceCountMismatch, configured, reported)
	}
	return nil
}

// EnvCounter counts the entries of CUDA_VISIBLE_DEVICES.
type EnvCounter struct {
	Lookup func(string) (string, bool)
}

func (e EnvCounter) Name() string { return "env" }

func (e EnvCounter) Count(ctx context.Context) (int, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	visible, ok := lookup("CUDA_VISIBLE_DEVICES")
	if !ok {
		return 0, errors.New("CUDA_VISIBLE_DEVICES not set")
	}
	count := 0
	for _, id := range strings.Split(visible, ",") {
		if strings.TrimSpace(id) != "" {
			count++
		}
	}
	return count, nil
}

type StaticCounter int

func (s StaticCounter) Name() string { return "static" }

func (s StaticCounter) Count(ctx context.Context) (int, error) {
	return int(s), nil
}

// AutoCounter returns the first successful count.
type AutoCounter []Counter

func (a AutoCounter) Name() string { return "auto" }

func (a AutoCounter) Count(ctx context.Context) (int, error) {
	var errs []error
	for _, c := range a {
		n, err := c.Count(ctx)
		if err == nil {
			logger.Logger.Debug("Device count resolved", zap.String("source", c.Name()), zap.Int("count", n))
			return n, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}
	return 0, fmt.Errorf("no device source available: %w", errors.Join(errs...))
}

// Copyright (c) OpenMMLab. All rights reserved.

// Package launcher starts one worker process per local device with the
// variables a cluster scheduler would have set.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"reduceall/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// waitDelay bounds how long a killed worker may hold its output pipes.
const waitDelay = 5 * time.Second

type Options struct {
	NProcPerNode int
	NNodes       int
	NodeRank     int
	MasterAddr   string
	MasterPort   int

	Command []string
	// Env is the base environment of every worker; os.Environ() if nil.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
	// PrefixOutput tags each output line with the worker's rank.
	PrefixOutput bool
}

func (o *Options) Validate() error {
	if len(o.Command) == 0 {
		return errors.New("no worker command given")
	}
	if o.NProcPerNode < 1 {
		return fmt.Errorf("nproc-per-node must be positive, got %d", o.NProcPerNode)
	}
	if o.NNodes < 1 {
		return fmt.Errorf("nnodes must be positive, got %d", o.NNodes)
	}
	if o.NodeRank < 0 || o.NodeRank >= o.NNodes {
		return fmt.Errorf("node rank %d out of range [0, %d)", o.NodeRank, o.NNodes)
	}
	return nil
}

// GlobalRank of the localRank-th worker on this node.
func (o *Options) GlobalRank(localRank int) int {
	return o.NodeRank*o.NProcPerNode + localRank
}

func (o *Options) WorldSize() int {
	return o.NNodes * o.NProcPerNode
}

// WorkerEnv returns the environment of the localRank-th worker.
func (o *Options) WorkerEnv(localRank int) []string {
	base := o.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+8)
	env = append(env, base...)
	return append(env,
		"SLURM_PROCID="+strconv.Itoa(o.GlobalRank(localRank)),
		"RANK="+strconv.Itoa(o.GlobalRank(localRank)),
		"WORLD_SIZE="+strconv.Itoa(o.WorldSize()),
		"SLURM_GPUS_ON_NODE="+strconv.Itoa(o.NProcPerNode),
		"LOCAL_RANK="+strconv.Itoa(localRank),
		"LOCAL_WORLD_SIZE="+strconv.Itoa(o.NProcPerNode),
		"MASTER_ADDR="+o.MasterAddr,
		"MASTER_PORT="+strconv.Itoa(o.MasterPort),
	)
}

// Run starts all local workers and waits for them. The first failure
// cancels the remaining workers and is returned.
func Run(ctx context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	var outMu, errMu sync.Mutex

	logger.Logger.Info("Launching workers",
		zap.Int("nprocPerNode", opts.NProcPerNode),
		zap.Int("nodeRank", opts.NodeRank),
		zap.Int("worldSize", opts.WorldSize()),
		zap.Strings("command", opts.Command))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	for localRank := 0; localRank < opts.NProcPerNode; localRank++ {
		rank := opts.GlobalRank(localRank)
		prefix := ""
		if opts.PrefixOutput {
			prefix = "[rank " + strconv.Itoa(rank) + "] "
		}
		out := &lineWriter{mu: &outMu, w: stdout, prefix: prefix}
		errOut := &lineWriter{mu: &errMu, w: stderr, prefix: prefix}

		cmd := exec.CommandContext(gctx, opts.Command[0], opts.Command[1:]...)
		cmd.Env = opts.WorkerEnv(localRank)
		cmd.Stdout = out
		cmd.Stderr = errOut
		cmd.WaitDelay = waitDelay

		if err := cmd.Start(); err != nil {
			cancel()
			group.Wait()
			return fmt.Errorf("start worker rank %d: %w", rank, err)
		}
		group.Go(func() error {
			err := cmd.Wait()
			out.Flush()
			errOut.Flush()
			if err != nil {
				logger.Logger.Error("Worker failed", zap.Int("rank", rank), zap.Error(err))
				return fmt.Errorf("worker rank %d: %w", rank, err)
			}
			logger.Logger.Debug("Worker finished", zap.Int("rank", rank))
			return nil
		})
	}
	return group.Wait()
}

// lineWriter writes whole lines to a shared writer so concurrent workers
// never interleave within a line.
type lineWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if err := l.emit(l.buf[:i+1]); err != nil {
			return len(p), err
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes a trailing partial line, if any.
func (l *lineWriter) Flush() error {
	if len(l.buf) == 0 {
		return nil
	}
	line := append(l.buf, '\n')
	l.buf = nil
	return l.emit(line)
}

func (l *lineWriter) emit(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prefix != "" {
		if _, err := io.WriteString(l.w, l.prefix); err != nil {
			return err
		}
	}
	_, err := l.w.Write(line)
	return err
}

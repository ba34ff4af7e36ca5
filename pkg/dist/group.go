// Copyright (c) OpenMMLab. All rights reserved.

// Package dist forms a process group across worker processes and runs
// collectives over it. Rank 0 hosts the store; every rank, rank 0
// included, talks to it as a gRPC client.
package dist

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"reduceall/logger"
	"reduceall/pkg/prom/metrics"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gonum.org/v1/gonum/mat"
)

type Options struct {
	Backend   string
	Rank      int
	WorldSize int
	LocalRank int
	Hostname  string

	// StoreAddr is host:port of rank 0's store.
	StoreAddr string
	// Listener, if set, is used by rank 0 instead of listening on the
	// StoreAddr port.
	Listener net.Listener
	// Timeout bounds group formation. Zero means wait for ctx only.
	Timeout time.Duration
}

type ProcessGroup struct {
	rank      int
	worldSize int
	groupID   string
	members   []Member

	conn   *grpc.ClientConn
	client *storeClient
	server *Server
	store  *Store

	seq         atomic.Uint64
	initialized atomic.Bool
	log         *zap.Logger
}

// Init forms the process group. It blocks until every rank has joined
// or the timeout expires.
func Init(ctx context.Context, opts Options) (*ProcessGroup, error) {
	if opts.Backend == "" {
		opts.Backend = BackendGRPC
	}
	if opts.Backend != BackendGRPC {
		return nil, fmt.Errorf("%w %q, only %q is supported", ErrUnknownBackend, opts.Backend, BackendGRPC)
	}
	if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("invalid rank %d for world size %d", opts.Rank, opts.WorldSize)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	pg := &ProcessGroup{
		rank:      opts.Rank,
		worldSize: opts.WorldSize,
		log:       logger.WithRank(opts.Rank, opts.WorldSize),
	}

	storeAddr := opts.StoreAddr
	if opts.Rank == 0 {
		lis := opts.Listener
		if lis == nil {
			_, port, err := net.SplitHostPort(opts.StoreAddr)
			if err != nil {
				return nil, fmt.Errorf("invalid store address %q: %w", opts.StoreAddr, err)
			}
			lis, err = net.Listen("tcp", net.JoinHostPort("", port))
			if err != nil {
				return nil, fmt.Errorf("failed to listen on store port %s: %w", port, err)
			}
		}
		storeAddr = selfStoreAddr(opts.StoreAddr, lis.Addr())
		pg.store = NewStore(opts.WorldSize)
		pg.server = Serve(lis, pg.store)
	}

	conn, err := grpc.NewClient(storeAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		pg.stopServer()
		return nil, fmt.Errorf("failed to create store client for %s: %w", storeAddr, err)
	}
	pg.conn = conn
	pg.client = newStoreClient(conn)

	pg.log.Info("Joining process group", zap.String("store", storeAddr), zap.String("backend", opts.Backend))
	resp, err := pg.client.Join(ctx, &JoinRequest{
		Rank:      opts.Rank,
		WorldSize: opts.WorldSize,
		Hostname:  opts.Hostname,
		LocalRank: opts.LocalRank,
	}, grpc.WaitForReady(true))
	if err != nil {
		pg.conn.Close()
		pg.stopServer()
		return nil, fmt.Errorf("rank %d failed to join process group at %s: %w", opts.Rank, storeAddr, err)
	}

	pg.groupID = resp.GroupID
	pg.members = resp.Members
	pg.initialized.Store(true)
	pg.log.Info("Process group formed", zap.String("groupID", pg.groupID), zap.Int("members", len(pg.members)))
	if ce := pg.log.Check(zap.DebugLevel, "Group members"); ce != nil {
		ce.Write(membersField(pg.members))
	}
	return pg, nil
}

func membersField(members []Member) zap.Field {
	return zap.String("members", logger.ToPrettyJSON(members))
}

// selfStoreAddr is the address rank 0 dials to reach its own store. The
// listener may be bound to an ephemeral port or to every interface.
func selfStoreAddr(configured string, bound net.Addr) string {
	host := "127.0.0.1"
	if h, _, err := net.SplitHostPort(configured); err == nil && h != "" {
		host = h
	}
	if tcp, ok := bound.(*net.TCPAddr); ok {
		return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
	}
	return bound.String()
}

func (pg *ProcessGroup) IsInitialized() bool {
	return pg != nil && pg.initialized.Load()
}

func (pg *ProcessGroup) Rank() int { return pg.rank }

func (pg *ProcessGroup) WorldSize() int { return pg.worldSize }

func (pg *ProcessGroup) GroupID() string { return pg.groupID }

func (pg *ProcessGroup) Members() []Member {
	out := make([]Member, len(pg.members))
	copy(out, pg.members)
	return out
}

// StoreAddr returns the listening address of the store hosted by this
// rank, or nil on ranks other than 0.
func (pg *ProcessGroup) StoreAddr() net.Addr {
	if pg.server == nil {
		return nil
	}
	return pg.server.Addr()
}

// AllReduce combines t across all ranks with op and writes the result
// back into t.
func (pg *ProcessGroup) AllReduce(ctx context.Context, t *mat.Dense, op ReduceOp) error {
	if !pg.IsInitialized() {
		return ErrNotInitialized
	}
	req := pg.newRequest(t)
	req.Op = op

	start := time.Now()
	resp, err := pg.client.AllReduce(ctx, req)
	metrics.ObserveCollective(kindAllReduce, op.String(), start, err)
	if err != nil {
		return fmt.Errorf("all_reduce(%s) seq %d: %w", op, req.Seq, err)
	}
	pg.log.Debug("all_reduce done", zap.Uint64("seq", req.Seq), zap.Duration("took", time.Since(start)))
	return fill(t, resp.Data)
}

// Broadcast overwrites t on every rank with root's t.
func (pg *ProcessGroup) Broadcast(ctx context.Context, t *mat.Dense, root int) error {
	if !pg.IsInitialized() {
		return ErrNotInitialized
	}
	req := pg.newRequest(t)
	req.Root = root

	start := time.Now()
	resp, err := pg.client.Broadcast(ctx, req)
	metrics.ObserveCollective(kindBroadcast, opBroadcast, start, err)
	if err != nil {
		return fmt.Errorf("broadcast from rank %d seq %d: %w", root, req.Seq, err)
	}
	return fill(t, resp.Data)
}

// Barrier blocks until every rank has entered it.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	if !pg.IsInitialized() {
		return ErrNotInitialized
	}
	req := &CollectiveRequest{Rank: pg.rank, Seq: pg.seq.Add(1)}

	start := time.Now()
	_, err := pg.client.Barrier(ctx, req)
	metrics.ObserveCollective(kindBarrier, "", start, err)
	if err != nil {
		return fmt.Errorf("barrier seq %d: %w", req.Seq, err)
	}
	return nil
}

// Destroy leaves the group. Rank 0 keeps the store up until every rank
// has left, then shuts it down.
func (pg *ProcessGroup) Destroy(ctx context.Context) error {
	if !pg.initialized.CompareAndSwap(true, false) {
		return ErrNotInitialized
	}
	defer pg.conn.Close()

	resp, err := pg.client.Leave(ctx, &LeaveRequest{Rank: pg.rank})
	if err != nil {
		pg.stopServer()
		return fmt.Errorf("rank %d failed to leave process group: %w", pg.rank, err)
	}
	pg.log.Info("Left process group", zap.Int("remaining", resp.Remaining))

	if pg.server == nil {
		return nil
	}
	select {
	case <-pg.store.Drained():
	case <-ctx.Done():
		pg.log.Warn("Not every rank left before teardown deadline", zap.Error(ctx.Err()))
	}
	return pg.server.Stop()
}

func (pg *ProcessGroup) stopServer() {
	if pg.server != nil {
		if err := pg.server.Stop(); err != nil {
			pg.log.Warn("Store shutdown", zap.Error(err))
		}
	}
}

func (pg *ProcessGroup) newRequest(t *mat.Dense) *CollectiveRequest {
	rows, cols := t.Dims()
	return &CollectiveRequest{
		Rank: pg.rank,
		Seq:  pg.seq.Add(1),
		Rows: rows,
		Cols: cols,
		Data: flatten(t),
	}
}

func flatten(t *mat.Dense) []float64 {
	rows, cols := t.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		out = append(out, t.RawRowView(i)...)
	}
	return out
}

func fill(t *mat.Dense, data []float64) error {
	rows, cols := t.Dims()
	if len(data) != rows*cols {
		return fmt.Errorf("store returned %d values for a %dx%d tensor", len(data), rows, cols)
	}
	for i := 0; i < rows; i++ {
		copy(t.RawRowView(i), data[i*cols:(i+1)*cols])
	}
	return nil
}

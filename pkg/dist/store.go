// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"context"
	"sort"
	"sync"

	"reduceall/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store forms the group and executes collectives. Each rank issues its
// collectives in the same order, so the n-th call of every rank carries
// the same sequence number and lands in the same round.
type Store struct {
	worldSize int
	groupID   string

	mu      sync.Mutex
	members map[int]Member
	formed  chan struct{}
	rounds  map[uint64]*round
	left    map[int]bool
	drained chan struct{}
}

type round struct {
	kind   string
	op     ReduceOp
	root   int
	rows   int
	cols   int
	seen   map[int]bool
	data   [][]float64
	result []float64
	err    error

	arrived   int
	delivered int
	abandoned int
	done      chan struct{}
	closed    bool
}

func NewStore(worldSize int) *Store {
	return &Store{
		worldSize: worldSize,
		groupID:   uuid.New().String(),
		members:   make(map[int]Member),
		formed:    make(chan struct{}),
		rounds:    make(map[uint64]*round),
		left:      make(map[int]bool),
		drained:   make(chan struct{}),
	}
}

func (s *Store) GroupID() string { return s.groupID }

func (s *Store) WorldSize() int { return s.worldSize }

// Drained is closed once every member has left.
func (s *Store) Drained() <-chan struct{} { return s.drained }

// Members returns the registered ranks ordered by rank.
func (s *Store) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked()
}

func (s *Store) membersLocked() []Member {
	members := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })
	return members
}

func (s *Store) Status() GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GroupStatus{
		GroupID:   s.groupID,
		WorldSize: s.worldSize,
		Formed:    isClosed(s.formed),
		Members:   s.membersLocked(),
		Left:      len(s.left),
	}
}

// Join registers a rank and blocks until all ranks have joined.
func (s *Store) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if req.WorldSize != s.worldSize {
		return nil, status.Errorf(codes.FailedPrecondition,
			"rank %d reports world size %d, group was created with %d", req.Rank, req.WorldSize, s.worldSize)
	}
	if err := s.checkRank(req.Rank); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.members[req.Rank]; ok {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists,
			"rank %d already joined from %s", req.Rank, existing.Hostname)
	}
	s.members[req.Rank] = Member{Rank: req.Rank, Hostname: req.Hostname, LocalRank: req.LocalRank}
	joined := len(s.members)
	if joined == s.worldSize {
		close(s.formed)
	}
	s.mu.Unlock()

	logger.Logger.Info("Rank joined",
		zap.Int("rank", req.Rank),
		zap.String("hostname", req.Hostname),
		zap.Int("joined", joined),
		zap.Int("worldSize", s.worldSize))

	select {
	case <-s.formed:
	case <-ctx.Done():
		s.mu.Lock()
		// allow the rank to retry while the group is still forming
		if !isClosed(s.formed) {
			delete(s.members, req.Rank)
		}
		s.mu.Unlock()
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return &JoinResponse{GroupID: s.groupID, Members: s.Members()}, nil
}

func (s *Store) AllReduce(ctx context.Context, req *CollectiveRequest) (*CollectiveResponse, error) {
	if !req.Op.valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported reduce op %d", int(req.Op))
	}
	return s.collect(ctx, kindAllReduce, req)
}

func (s *Store) Broadcast(ctx context.Context, req *CollectiveRequest) (*CollectiveResponse, error) {
	if err := s.checkRank(req.Root); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid broadcast root: %v", status.Convert(err).Message())
	}
	return s.collect(ctx, kindBroadcast, req)
}

func (s *Store) Barrier(ctx context.Context, req *CollectiveRequest) (*CollectiveResponse, error) {
	req.Rows, req.Cols, req.Data = 0, 0, nil
	return s.collect(ctx, kindBarrier, req)
}

func (s *Store) Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	if err := s.checkRank(req.Rank); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[req.Rank]; !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d is not a member", req.Rank)
	}
	s.left[req.Rank] = true
	remaining := s.worldSize - len(s.left)
	if remaining == 0 && !isClosed(s.drained) {
		close(s.drained)
	}
	logger.Logger.Info("Rank left", zap.Int("rank", req.Rank), zap.Int("remaining", remaining))
	return &LeaveResponse{Remaining: remaining}, nil
}

func (s *Store) collect(ctx context.Context, kind string, req *CollectiveRequest) (*CollectiveResponse, error) {
	if err := s.checkRank(req.Rank); err != nil {
		return nil, err
	}
	if req.Rows < 0 || req.Cols < 0 || len(req.Data) != req.Rows*req.Cols {
		return nil, status.Errorf(codes.InvalidArgument,
			"rank %d sent %d values for a %dx%d tensor", req.Rank, len(req.Data), req.Rows, req.Cols)
	}

	s.mu.Lock()
	if _, ok := s.members[req.Rank]; !ok || !isClosed(s.formed) {
		s.mu.Unlock()
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d issued %s before the group formed", req.Rank, kind)
	}
	r, ok := s.rounds[req.Seq]
	if !ok {
		r = &round{
			kind: kind,
			op:   req.Op,
			root: req.Root,
			rows: req.Rows,
			cols: req.Cols,
			seen: make(map[int]bool, s.worldSize),
			data: make([][]float64, s.worldSize),
			done: make(chan struct{}),
		}
		s.rounds[req.Seq] = r
	}
	if r.seen[req.Rank] {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d contributed twice to round %d", req.Rank, req.Seq)
	}
	r.add(kind, req, s.worldSize)
	s.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		s.mu.Lock()
		r.abandoned++
		s.releaseLocked(req.Seq, r)
		s.mu.Unlock()
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.delivered++
	s.releaseLocked(req.Seq, r)
	if r.err != nil {
		return nil, r.err
	}
	out := make([]float64, len(r.result))
	copy(out, r.result)
	return &CollectiveResponse{Data: out}, nil
}

// releaseLocked drops the round once every rank has either received the
// result or given up waiting for it.
func (s *Store) releaseLocked(seq uint64, r *round) {
	if r.delivered+r.abandoned == s.worldSize {
		delete(s.rounds, seq)
	}
}

// add records a contribution. Must be called with the store lock held.
func (r *round) add(kind string, req *CollectiveRequest, worldSize int) {
	r.seen[req.Rank] = true
	r.arrived++
	r.data[req.Rank] = req.Data

	if r.err == nil && (kind != r.kind || req.Op != r.op || req.Root != r.root || req.Rows != r.rows || req.Cols != r.cols) {
		r.err = status.Errorf(codes.InvalidArgument,
			"rank %d issued %s(op=%s, root=%d, shape=%dx%d) but round expects %s(op=%s, root=%d, shape=%dx%d)",
			req.Rank, kind, req.Op, req.Root, req.Rows, req.Cols, r.kind, r.op, r.root, r.rows, r.cols)
		r.close()
		return
	}
	if r.arrived < worldSize || r.err != nil {
		return
	}

	switch r.kind {
	case kindAllReduce:
		r.result = r.op.reduce(r.data)
	case kindBroadcast:
		r.result = r.data[r.root]
	}
	r.data = nil
	r.close()
}

func (r *round) close() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

func (s *Store) checkRank(rank int) error {
	if rank < 0 || rank >= s.worldSize {
		return status.Errorf(codes.InvalidArgument, "rank %d out of range [0, %d)", rank, s.worldSize)
	}
	return nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

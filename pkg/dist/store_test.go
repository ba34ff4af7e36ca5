// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newBufStore(t *testing.T, worldSize int) (*Store, *storeClient) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	store := NewStore(worldSize)
	RegisterStoreServer(srv, store)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return store, newStoreClient(conn)
}

// joinAll forms a group of worldSize ranks against client.
func joinAll(t *testing.T, client *storeClient, worldSize int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			_, err := client.Join(ctx, &JoinRequest{Rank: rank, WorldSize: worldSize, Hostname: fmt.Sprintf("node%d", rank)})
			return err
		})
	}
	require.NoError(t, g.Wait())
}

func TestStore_Join(t *testing.T) {
	store, client := newBufStore(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	responses := make([]*JoinResponse, 3)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < 3; rank++ {
		rank := rank
		g.Go(func() error {
			resp, err := client.Join(gctx, &JoinRequest{Rank: rank, WorldSize: 3, Hostname: "host", LocalRank: rank})
			responses[rank] = resp
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, resp := range responses {
		assert.Equal(t, store.GroupID(), resp.GroupID)
		require.Len(t, resp.Members, 3)
		for i, m := range resp.Members {
			assert.Equal(t, i, m.Rank)
		}
	}
	assert.True(t, store.Status().Formed)
}

func TestStore_JoinErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      *JoinRequest
		wantCode codes.Code
	}{
		{
			name:     "world size mismatch",
			req:      &JoinRequest{Rank: 0, WorldSize: 3},
			wantCode: codes.FailedPrecondition,
		},
		{
			name:     "rank out of range",
			req:      &JoinRequest{Rank: 2, WorldSize: 2},
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "negative rank",
			req:      &JoinRequest{Rank: -1, WorldSize: 2},
			wantCode: codes.InvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newBufStore(t, 2)
			_, err := client.Join(context.Background(), tt.req)
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}

func TestStore_JoinTimeoutAllowsRetry(t *testing.T) {
	store, client := newBufStore(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Join(ctx, &JoinRequest{Rank: 0, WorldSize: 2})
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))

	// the server side observes the cancellation asynchronously
	assert.Eventually(t, func() bool { return len(store.Members()) == 0 }, 2*time.Second, 10*time.Millisecond)
	joinAll(t, client, 2)
}

func TestStore_DuplicateRank(t *testing.T) {
	_, client := newBufStore(t, 2)
	joinAll(t, client, 2)

	_, err := client.Join(context.Background(), &JoinRequest{Rank: 1, WorldSize: 2})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestStore_AllReduce(t *testing.T) {
	const worldSize = 4
	store, client := newBufStore(t, worldSize)
	joinAll(t, client, worldSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for seq := uint64(1); seq <= 3; seq++ {
		results := make([][]float64, worldSize)
		g, gctx := errgroup.WithContext(ctx)
		for rank := 0; rank < worldSize; rank++ {
			rank := rank
			g.Go(func() error {
				r := float64(rank)
				resp, err := client.AllReduce(gctx, &CollectiveRequest{
					Rank: rank, Seq: seq, Op: Sum, Rows: 1, Cols: 4,
					Data: []float64{r, r, r, r},
				})
				if err != nil {
					return err
				}
				results[rank] = resp.Data
				return nil
			})
		}
		require.NoError(t, g.Wait())
		for rank, got := range results {
			assert.Equal(t, []float64{6, 6, 6, 6}, got, "rank %d seq %d", rank, seq)
		}
	}

	store.mu.Lock()
	assert.Empty(t, store.rounds)
	store.mu.Unlock()
}

func TestStore_Broadcast(t *testing.T) {
	const worldSize = 3
	_, client := newBufStore(t, worldSize)
	joinAll(t, client, worldSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := make([][]float64, worldSize)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			r := float64(rank)
			resp, err := client.Broadcast(gctx, &CollectiveRequest{
				Rank: rank, Seq: 1, Root: 2, Rows: 1, Cols: 2, Data: []float64{r, r},
			})
			if err != nil {
				return err
			}
			results[rank] = resp.Data
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, got := range results {
		assert.Equal(t, []float64{2, 2}, got)
	}
}

func TestStore_MismatchedShapes(t *testing.T) {
	_, client := newBufStore(t, 2)
	joinAll(t, client, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, 2)
	g, gctx := errgroup.WithContext(ctx)
	shapes := []int{4, 3}
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			_, errs[rank] = client.AllReduce(gctx, &CollectiveRequest{
				Rank: rank, Seq: 1, Op: Sum, Rows: 1, Cols: shapes[rank], Data: make([]float64, shapes[rank]),
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, err := range errs {
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	}
}

func TestStore_CollectiveValidation(t *testing.T) {
	_, client := newBufStore(t, 2)

	_, err := client.AllReduce(context.Background(), &CollectiveRequest{Rank: 0, Seq: 1, Rows: 1, Cols: 1, Data: []float64{1}})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "before group formed")

	joinAll(t, client, 2)

	_, err = client.AllReduce(context.Background(), &CollectiveRequest{Rank: 0, Seq: 1, Rows: 1, Cols: 4, Data: []float64{1}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "data does not match shape")

	_, err = client.AllReduce(context.Background(), &CollectiveRequest{Rank: 0, Seq: 1, Op: ReduceOp(9)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "unknown op")

	_, err = client.Broadcast(context.Background(), &CollectiveRequest{Rank: 0, Seq: 1, Root: 5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "root out of range")
}

func TestStore_Leave(t *testing.T) {
	store, client := newBufStore(t, 2)
	joinAll(t, client, 2)

	resp, err := client.Leave(context.Background(), &LeaveRequest{Rank: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Remaining)
	select {
	case <-store.Drained():
		t.Fatal("store drained with a member still present")
	default:
	}

	resp, err = client.Leave(context.Background(), &LeaveRequest{Rank: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Remaining)
	<-store.Drained()

	_, err = client.Leave(context.Background(), &LeaveRequest{Rank: 7})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStore_RoundReleasedAfterRankGivesUp(t *testing.T) {
	store, client := newBufStore(t, 2)
	joinAll(t, client, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := store.AllReduce(ctx, &CollectiveRequest{Rank: 0, Seq: 1, Op: Sum, Rows: 1, Cols: 2, Data: []float64{1, 2}})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))

	// rank 0's contribution still counts towards the round
	resp, err := store.AllReduce(context.Background(), &CollectiveRequest{Rank: 1, Seq: 1, Op: Sum, Rows: 1, Cols: 2, Data: []float64{3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, resp.Data)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.rounds)
}

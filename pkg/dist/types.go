// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const BackendGRPC = "grpc"

var (
	ErrNotInitialized = errors.New("process group not initialized")
	ErrUnknownBackend = errors.New("unknown backend")
)

// ReduceOp selects how contributions are combined by AllReduce.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Product
	Min
	Max
	Avg
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "SUM"
	case Product:
		return "PRODUCT"
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	case Avg:
		return "AVG"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

func ParseReduceOp(s string) (ReduceOp, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUM":
		return Sum, nil
	case "PRODUCT", "PROD":
		return Product, nil
	case "MIN":
		return Min, nil
	case "MAX":
		return Max, nil
	case "AVG", "MEAN":
		return Avg, nil
	}
	return 0, fmt.Errorf("unknown reduce op %q", s)
}

func (op ReduceOp) valid() bool {
	return op >= Sum && op <= Avg
}

// reduce combines equally sized vectors in slice order, so every caller
// observes bit-identical results.
func (op ReduceOp) reduce(contribs [][]float64) []float64 {
	if len(contribs) == 0 {
		return nil
	}
	out := make([]float64, len(contribs[0]))
	copy(out, contribs[0])
	for _, c := range contribs[1:] {
		for i, v := range c {
			switch op {
			case Sum, Avg:
				out[i] += v
			case Product:
				out[i] *= v
			case Min:
				out[i] = math.Min(out[i], v)
			case Max:
				out[i] = math.Max(out[i], v)
			}
		}
	}
	if op == Avg {
		n := float64(len(contribs))
		for i := range out {
			out[i] /= n
		}
	}
	return out
}

// Member is a rank registered with the store.
type Member struct {
	Rank      int    `json:"rank"`
	Hostname  string `json:"hostname"`
	LocalRank int    `json:"localRank"`
}

type JoinRequest struct {
	Rank      int    `json:"rank"`
	WorldSize int    `json:"worldSize"`
	Hostname  string `json:"hostname"`
	LocalRank int    `json:"localRank"`
}

type JoinResponse struct {
	GroupID string   `json:"groupId"`
	Members []Member `json:"members"`
}

const (
	kindAllReduce = "all_reduce"
	kindBroadcast = "broadcast"
	kindBarrier   = "barrier"
)

// op label recorded for every broadcast, whatever the root
const opBroadcast = "BROADCAST"

// CollectiveRequest carries one rank's contribution to round Seq.
type CollectiveRequest struct {
	Rank int       `json:"rank"`
	Seq  uint64    `json:"seq"`
	Op   ReduceOp  `json:"op"`
	Root int       `json:"root"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data,omitempty"`
}

type CollectiveResponse struct {
	Data []float64 `json:"data,omitempty"`
}

type LeaveRequest struct {
	Rank int `json:"rank"`
}

type LeaveResponse struct {
	Remaining int `json:"remaining"`
}

// GroupStatus is served on GET /group.
type GroupStatus struct {
	GroupID   string   `json:"groupId"`
	WorldSize int      `json:"worldSize"`
	Formed    bool     `json:"formed"`
	Members   []Member `json:"members"`
	Left      int      `json:"left"`
}

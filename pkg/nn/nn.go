// Copyright (c) OpenMMLab. All rights reserved.

// Package nn holds the fixed identity network the smoke test pushes a
// tensor through before reducing it.
package nn

import (
	"fmt"
	"strconv"
	"strings"

	"reduceall/pkg/device"

	"gonum.org/v1/gonum/mat"
)

const Features = 4

// Module is a forward-only layer with named parameters.
type Module interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	Parameters() []*mat.Dense
}

// Linear computes x·Wᵀ without bias.
type Linear struct {
	Weight *mat.Dense
}

// NewIdentityLinear returns an n→n linear layer whose weight is the identity.
func NewIdentityLinear(n int) *Linear {
	w := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		w.Set(i, i, 1)
	}
	return &Linear{Weight: w}
}

func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, in := x.Dims()
	out, wIn := l.Weight.Dims()
	if in != wIn {
		return nil, fmt.Errorf("linear: input has %d features, weight expects %d", in, wIn)
	}
	rows, _ := x.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.Weight.T())
	return y, nil
}

func (l *Linear) Parameters() []*mat.Dense {
	return []*mat.Dense{l.Weight}
}

// ReLU clamps negative entries to zero in a copy of x.
func ReLU(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, x)
	return &y
}

// Net is Linear(4,4, no bias, identity) followed by ReLU.
type Net struct {
	FC     *Linear
	device device.Device
}

func NewNet() *Net {
	return &Net{FC: NewIdentityLinear(Features)}
}

// To records the device the network is placed on.
func (n *Net) To(d device.Device) *Net {
	n.device = d
	return n
}

func (n *Net) Device() device.Device { return n.device }

func (n *Net) Forward(x *mat.Dense) (*mat.Dense, error) {
	y, err := n.FC.Forward(x)
	if err != nil {
		return nil, err
	}
	return ReLU(y), nil
}

func (n *Net) Parameters() []*mat.Dense {
	return n.FC.Parameters()
}

// Full returns a rows×cols tensor filled with v.
func Full(rows, cols int, v float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(rows, cols, data)
}

// Format renders t as nested rows, e.g. [[1.0, 1.0, 1.0, 1.0]].
func Format(t mat.Matrix) string {
	rows, cols := t.Dims()
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('[')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.FormatFloat(t.At(i, j), 'f', 1, 64))
		}
		sb.WriteByte(']')
	}
	sb.WriteByte(']')
	return sb.String()
}

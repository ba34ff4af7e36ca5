// Copyright (c) OpenMMLab. All rights reserved.

package nn

import (
	"testing"

	"reduceall/pkg/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNet_Forward(t *testing.T) {
	tests := []struct {
		name  string
		input []float64
		want  []float64
	}{
		{
			name:  "rank zero",
			input: []float64{0, 0, 0, 0},
			want:  []float64{0, 0, 0, 0},
		},
		{
			name:  "rank three",
			input: []float64{3, 3, 3, 3},
			want:  []float64{3, 3, 3, 3},
		},
		{
			name:  "negatives clamped",
			input: []float64{-1, 2, -3, 4},
			want:  []float64{0, 2, 0, 4},
		},
	}
	net := NewNet()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := net.Forward(mat.NewDense(1, Features, tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.RawMatrix().Data)
			r, c := got.Dims()
			assert.Equal(t, 1, r)
			assert.Equal(t, Features, c)
		})
	}
}

func TestLinear_ShapeMismatch(t *testing.T) {
	_, err := NewIdentityLinear(4).Forward(mat.NewDense(1, 3, nil))
	assert.Error(t, err)
}

func TestNet_To(t *testing.T) {
	net := NewNet().To(device.Device{Index: 2})
	assert.Equal(t, "cuda:2", net.Device().String())
	assert.Len(t, net.Parameters(), 1)
}

func TestFull(t *testing.T) {
	assert.Equal(t, []float64{2, 2, 2, 2}, Full(1, 4, 2).RawMatrix().Data)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "[[6.0, 6.0, 6.0, 6.0]]", Format(Full(1, 4, 6)))
	assert.Equal(t, "[[1.0, 0.0], [0.0, 1.0]]", Format(NewIdentityLinear(2).Weight))
}

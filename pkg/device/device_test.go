// Copyright (c) OpenMMLab. All rights reserved.

package device

import (
	"context"
	"errors"
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/NVIDIA/go-nvml/pkg/nvml/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCounter(t *testing.T) {
	tests := []struct {
		source   string
		wantName string
		wantErr  bool
	}{
		{"", "auto", false},
		{"auto", "auto", false},
		{"NVML", "nvml", false},
		{"env", "env", false},
		{"static:8", "static", false},
		{"static:-1", "", true},
		{"static:x", "", true},
		{"rocm", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			c, err := NewCounter(tt.source)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, c.Name())
		})
	}
}

func TestEnvCounter(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		set     bool
		want    int
		wantErr bool
	}{
		{name: "four devices", value: "0,1,2,3", set: true, want: 4},
		{name: "uuids with spaces", value: "GPU-a, GPU-b", set: true, want: 2},
		{name: "empty means none", value: "", set: true, want: 0},
		{name: "unset", set: false, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := EnvCounter{Lookup: func(string) (string, bool) { return tt.value, tt.set }}
			got, err := c.Count(context.TODO())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type failingCounter struct{}

func (failingCounter) Name() string { return "broken" }
func (failingCounter) Count(context.Context) (int, error) { return 0, errors.New("boom") }

func TestAutoCounter(t *testing.T) {
	n, err := AutoCounter{failingCounter{}, StaticCounter(2)}.Count(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = AutoCounter{failingCounter{}}.Count(context.TODO())
	assert.ErrorContains(t, err, "broken: boom")
}

func TestNVMLCounter(t *testing.T) {
	lib := &mock.Interface{
		InitFunc:           func() nvml.Return { return nvml.SUCCESS },
		ShutdownFunc:       func() nvml.Return { return nvml.SUCCESS },
		DeviceGetCountFunc: func() (int, nvml.Return) { return 8, nvml.SUCCESS },
		ErrorStringFunc:    func(r nvml.Return) string { return "mock error" },
	}
	n, err := (&NVMLCounter{lib: lib}).Count(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	lib.InitFunc = func() nvml.Return { return nvml.ERROR_LIBRARY_NOT_FOUND }
	_, err = (&NVMLCounter{lib: lib}).Count(context.TODO())
	assert.ErrorContains(t, err, "failed to initialize NVML")
}

func TestCheckGPUCount(t *testing.T) {
	assert.NoError(t, CheckGPUCount(4, 4))
	err := CheckGPUCount(4, 2)
	assert.ErrorIs(t, err, ErrDeviceCountMismatch)
}

func TestDevice_String(t *testing.T) {
	assert.Equal(t, "cuda:3", Device{Index: 3}.String())
}

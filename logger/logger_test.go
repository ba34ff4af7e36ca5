// Copyright (c) OpenMMLab. All rights reserved.

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		env  string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"WARNING", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("RA_LOG_LEVEL", tt.env)
			assert.Equal(t, tt.want, getLevelFromEnv())
		})
	}
}

func TestToPrettyJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"rank\": 1\n}", ToPrettyJSON(map[string]int{"rank": 1}))
	assert.Equal(t, "(0+0i)", ToPrettyJSON(complex(0, 0)))
}

// Copyright (c) OpenMMLab. All rights reserved.

package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_revisionOf(t *testing.T) {
	tests := []struct {
		name     string
		settings []debug.BuildSetting
		want     string
	}{
		{
			name:     "no vcs info",
			settings: nil,
			want:     "",
		},
		{
			name: "clean tree",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc123"},
				{Key: "vcs.modified", Value: "false"},
			},
			want: "abc123",
		},
		{
			name: "modified tree",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc123"},
				{Key: "vcs.modified", Value: "true"},
			},
			want: "abc123+localmod",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := revisionOf(&debug.BuildInfo{Settings: tt.settings})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionInfo_Format(t *testing.T) {
	vi := VersionInfo{Version: "v0.1.0", Commit: "deadbeef", BuildTime: "now", BuildTag: "rc"}
	out := vi.Format()
	assert.Contains(t, out, "  - Version: v0.1.0\n")
	assert.Contains(t, out, "  - Commit: deadbeef\n")
	assert.Contains(t, out, "  - Build Tag: rc\n")

	vi.Commit = ""
	assert.NotContains(t, vi.Format(), "Commit")
}

func TestGetVersionInfo(t *testing.T) {
	assert.Contains(t, GetVersionInfo(), BuildTag)
}

// Copyright (c) OpenMMLab. All rights reserved.

package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Variables injected at compile time
var (
	Version   = ""        // reduceall version v1.0.0
	Commit    = "unknown" // Git commit hash
	BuildTime = "unset"   // Build time
	BuildTag  = "beta"    // Build tag dev alpha beta rc stable hotfix
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	BuildTag  string `json:"buildTag"`
}

// GetVersionInfo returns a one-line version string, preferring the VCS
// revision stamped into the binary over the injected commit.
func GetVersionInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Sprintf("%s-%s (built: %s)", Version, BuildTag, BuildTime)
	}

	if revision := revisionOf(info); revision != "" {
		return fmt.Sprintf("%s-%s (commit: %s, built: %s)",
			Version, BuildTag, revision, BuildTime)
	}

	return fmt.Sprintf("%s-%s (built: %s)", Version, BuildTag, BuildTime)
}

func GetStructuredVersion() VersionInfo {
	commit := Commit
	if info, ok := debug.ReadBuildInfo(); ok && (commit == "" || commit == "unknown") {
		if revision := revisionOf(info); revision != "" {
			commit = revision
		}
	}
	return VersionInfo{
		Version:   Version,
		Commit:    commit,
		BuildTime: BuildTime,
		BuildTag:  BuildTag,
	}
}

// Format renders the multi-line block printed by `reduceall version`.
func (v VersionInfo) Format() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  - Version: %s\n", v.Version))
	if v.Commit != "" {
		sb.WriteString(fmt.Sprintf("  - Commit: %s\n", v.Commit))
	}
	sb.WriteString(fmt.Sprintf("  - Build Time: %s\n", v.BuildTime))
	sb.WriteString(fmt.Sprintf("  - Build Tag: %s\n", v.BuildTag))
	return sb.String()
}

func revisionOf(info *debug.BuildInfo) string {
	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if revision != "" && modified == "true" {
		revision += "+localmod"
	}
	return revision
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package version

import (
	_ "embed"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// GitCommit is set by the linker. When it is empty the VCS revision
	// recorded by the Go toolchain is used instead.
	GitCommit string

	// Version and VersionPrerelease are read from the embedded VERSION file.
	// A non-empty VersionPrerelease such as "dev" or "rc1" marks a
	// pre-release build.
	//go:embed VERSION
	fullVersion                   string
	Version, VersionPrerelease, _ = strings.Cut(strings.TrimSpace(fullVersion), "-")
)

// GetHumanVersion composes the parts of the version in a way that's suitable
// for displaying to humans.
func GetHumanVersion() string {
	version := Version
	if VersionPrerelease != "" && !strings.HasSuffix(version, "-"+VersionPrerelease) {
		version += "-" + VersionPrerelease
	}
	if IsFIPS() {
		version = fmt.Sprintf("%s+fips1402", version)
	}
	// Strip off any single quotes added by the git information.
	return strings.ReplaceAll(version, "'", "")
}

// GetRevision returns the commit the binary was built from, or "unknown".
func GetRevision() string {
	if GitCommit != "" {
		return strings.ReplaceAll(GitCommit, "'", "")
	}
	return revisionFromBuildInfo(debug.ReadBuildInfo)
}

func revisionFromBuildInfo(read func() (*debug.BuildInfo, bool)) string {
	info, ok := read()
	if !ok {
		return "unknown"
	}
	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if revision == "" {
		return "unknown"
	}
	if modified == "true" {
		revision += "-dirty"
	}
	return revision
}

package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags.
var (
	Version   = "unknown"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the full version banner.
func String() string {
	return fmt.Sprintf(
		"Capsule %s\nGit commit: %s\nBuilt: %s\nGo: %s %s/%s\n",
		Version, GitCommit, BuildTime,
		runtime.Version(), runtime.GOOS, runtime.GOARCH,
	)
}

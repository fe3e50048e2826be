// Package version carries build metadata stamped at link time.
package version

import (
	"fmt"
	"runtime"
)

// Populated via -ldflags "-X github.com/orch-dev/orch/pkg/version.Version=…".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the payload of the version endpoint.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the build metadata of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders a single-line version banner.
func String() string {
	return fmt.Sprintf("orch %s (%s, built %s)", Version, GitCommit, BuildDate)
}

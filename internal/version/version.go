// Package version holds build-time version information for the edgegw
// binaries, injected via -ldflags:
//
// -X github.com/akmlabs5/loanledger-edge/internal/version.Version=v0.3.0
// -X github.com/akmlabs5/loanledger-edge/internal/version.Commit=abc1234
// -X github.com/akmlabs5/loanledger-edge/internal/version.Date=2026-10-01T00:00:00Z
package version

import (
	"fmt"
	"runtime"
)

// Variables set at link time. Default to dev values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns a single-line human-readable version string, e.g.:
//
// v0.3.0 (commit abc1234, built 2026-10-01T00:00:00Z, go1.24.2)
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}

// UserAgent is sent on origin requests made by the gateway itself (precache).
func UserAgent() string {
	return "edgegw/" + Version
}

// Package version carries build metadata for the diskbox binaries and the
// guest protocol revision both sides agree on during the ready handshake.
package version

import (
	"fmt"
	"runtime"
)

// ProtocolVersion is bumped whenever the guest request/reply schema changes
// incompatibly. The host refuses to drive a guest helper that reports a
// different value.
const ProtocolVersion = 1

// Set via ldflags, e.g.
// go build -ldflags "-X github.com/spin-stack/diskbox/internal/version.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a one-line description for `diskbox --version`.
func Info() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s, protocol: v%d)",
		Version, GitCommit, BuildDate, runtime.Version(), ProtocolVersion)
}

// CheckGuest reports whether a guest helper speaking protocol revision v can
// be driven by this host.
func CheckGuest(v int) error {
	if v != ProtocolVersion {
		return fmt.Errorf("guest helper speaks protocol v%d, host expects v%d; rebuild the guest image", v, ProtocolVersion)
	}
	return nil
}

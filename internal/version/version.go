// Package version reports build information for the locator binaries
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Set at build time with -ldflags "-X rssi-locator/internal/version.Version=..."
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Short returns the version with the abbreviated commit when known
func Short() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return fmt.Sprintf("%s-%s", Version, GitCommit[:7])
	}
	return Version
}

// Info returns the multi-line banner printed by --version
func Info(appName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", appName, Short())
	if BuildDate != "unknown" {
		fmt.Fprintf(&b, "\nBuilt: %s", BuildDate)
	}
	fmt.Fprintf(&b, "\nGo: %s", runtime.Version())
	fmt.Fprintf(&b, "\nPlatform: %s/%s", runtime.GOOS, runtime.GOARCH)
	return b.String()
}

package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/cordum/mpk/core/infra/logging"
)

// Stamped with -ldflags "-X github.com/cordum/mpk/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, resolvedDate())
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", resolvedDate())
}

func resolvedDate() string {
	if Date != "unknown" {
		return Date
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Date
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.time" && s.Value != "" {
			return s.Value
		}
	}
	return Date
}

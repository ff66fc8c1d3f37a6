// Package buildinfo carries the version stamped in at link time.
package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/packgrant/packgrant/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Resolve fills unset fields from the module build info when the binary was
// built with plain go install instead of the release ldflags.
func Resolve() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" && s.Value != "" {
				Commit = s.Value
			}
		case "vcs.time":
			if Date == "unknown" && s.Value != "" {
				Date = s.Value
			}
		}
	}
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info("buildinfo", "starting", "service", service, "version", Version, "commit", Commit, "date", Date)
}

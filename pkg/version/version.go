// Package version exposes the build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Set with -ldflags "-X github.com/telekom/audit-trail/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// BuildInfo is printed by `audittrail version` and served on /api/buildinfo.
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"gitCommit"`
	BuildDate string    `json:"buildDate"`
	GoVersion string    `json:"goVersion"`
	Platform  string    `json:"platform"`
	BuildTime time.Time `json:"buildTime,omitempty"`
}

func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		info.BuildTime = t
	}
	return info
}

// String renders the build info on one line.
func (b BuildInfo) String() string {
	return fmt.Sprintf("audittrail %s (commit %s, built %s, %s %s)",
		b.Version, b.GitCommit, b.BuildDate, b.GoVersion, b.Platform)
}

// Fields returns the build info as log fields for the startup message.
func (b BuildInfo) Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", b.Version),
		zap.String("commit", b.GitCommit),
		zap.String("go_version", b.GoVersion),
	}
}

// UserAgent is sent by the webhook sink.
func UserAgent() string {
	return "audit-trail/" + Version
}

// Package version holds build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/bissquit/devops-guardian/internal/version.Version=1.2.0" ./cmd/guardian
package version

// Build metadata reported by /version and guardian --version.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Package buildinfo reports which wonderland build is running. The
// stamped version also goes out as the User-Agent on both sockets.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped with -ldflags; unstamped builds report dev/unknown, e.g.
//
//	-X github.com/nugget/wonderland-agent/internal/buildinfo.Version=v0.3.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns the build stamp plus Go runtime and uptime, keyed the
// way `wonderland version -o json` prints them.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the agent's running time, to the second. It backs the MQTT
// uptime sensor.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies the agent to the world and backend servers.
func UserAgent() string {
	return "wonderland-agent/" + Version
}

// String is the first line of `wonderland version`.
func String() string {
	return fmt.Sprintf("Wonderland agent %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

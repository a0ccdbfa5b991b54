package client

import "runtime/debug"

// Version is stamped at build time:
//
//	go build -ldflags "-X github.com/dan-strohschein/pgbatch/client.Version=$(git describe --tags --always)"
//
// Unstamped builds fall back to the module version recorded by the go tool.
var Version = "dev"

func buildVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == "github.com/dan-strohschein/pgbatch" && dep.Version != "" {
				return dep.Version
			}
		}
	}
	return Version
}

// ApplicationName is the default application_name reported to the server,
// visible in pg_stat_activity.
func ApplicationName() string {
	return "pgbatch/" + buildVersion()
}

// Package web holds the static pages of the monitoring dashboard.
package web

import (
	"embed"
	"net/http"
	"os"
	"path"
	"runtime"
	"strings"
)

//go:embed index.html
var staticAssets embed.FS

// GetAssets returns the dashboard assets. In development mode the files
// are served straight from the source tree so edits show up without
// rebuilding.
func GetAssets() http.FileSystem {
	if isDevelopmentMode() {
		_, sourcePath, _, ok := runtime.Caller(0)
		if !ok {
			panic("error getting path")
		}

		return http.Dir(path.Dir(sourcePath))
	}

	return http.FS(staticAssets)
}

// isDevelopmentMode returns true if the environment variable
// SHUKUBA_MONITOR_DEV is set.
func isDevelopmentMode() bool {
	evValue, exist := os.LookupEnv("SHUKUBA_MONITOR_DEV")
	if !exist {
		return false
	}

	return strings.ToLower(evValue) == "true" || evValue == "1"
}

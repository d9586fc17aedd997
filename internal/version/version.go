// Package version tracks build metadata for the application.
package version

import (
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// String renders the metadata in a single line, e.g. "v1.2.0 (abc123, 2024-05-01)".
func (i Info) String() string {
	switch {
	case i.Commit != "" && i.BuildTime != "":
		return i.Version + " (" + i.Commit + ", " + i.BuildTime + ")"
	case i.Commit != "":
		return i.Version + " (" + i.Commit + ")"
	default:
		return i.Version
	}
}

// String renders the current build metadata.
func String() string {
	return Current().String()
}

package cache

import "strings"

// Names are the three store names of one cache version.
type Names struct {
	Static  string
	Dynamic string
	API     string
}

// VersionNames derives the store names for version.
func VersionNames(version string) Names {
	version = strings.TrimSpace(version)
	return Names{
		Static:  version + "-static",
		Dynamic: version + "-dynamic",
		API:     version + "-api",
	}
}

// All returns the names in static, dynamic, api order.
func (n Names) All() []string {
	return []string{n.Static, n.Dynamic, n.API}
}

// Contains reports whether name belongs to this version.
func (n Names) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic || name == n.API
}

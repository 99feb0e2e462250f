// Package version reports the build version of the binary.
package version

import (
	"fmt"

	"github.com/earthboundkid/versioninfo/v2"
)

// Override is set at link time with -ldflags "-X .../version.Override=v1.2.3"
var Override string

// GetVersion returns a short version string such as "v1.2.0" or "a1b2c3d-dirty"
func GetVersion() string {
	if Override != "" {
		return Override
	}
	return versioninfo.Short()
}

// GetFullVersion returns the version with commit details when the build has them
func GetFullVersion() string {
	ver := GetVersion()
	if versioninfo.Revision == "unknown" || versioninfo.Revision == "" {
		return ver
	}
	rev := versioninfo.Revision
	if len(rev) > 7 {
		rev = rev[:7]
	}
	full := fmt.Sprintf("%s (commit: %s", ver, rev)
	if !versioninfo.LastCommit.IsZero() {
		full += ", " + versioninfo.LastCommit.UTC().Format("2006-01-02")
	}
	if versioninfo.DirtyBuild {
		full += ", dirty"
	}
	return full + ")"
}

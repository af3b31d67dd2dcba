// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import "github.com/openexch/matchengine/dex/version"

const (
	// appName is the application name.
	appName string = "matchengine"
)

// Version is the application version per the semantic versioning 2.0.0 spec
// (https://semver.org/).
//
// It is defined as a variable so it can be overridden during the build
// process with:
// '-ldflags "-X main.Version=fullsemver"'
// if needed.
//
// It MUST be a full semantic version per the semantic versioning spec or
// the package will panic at runtime.
var Version = "0.1.0-pre"

func init() {
	Version = version.Parse(Version)
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package version formats the semantic version reported by the engine's
// commands.
package version

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
)

// semanticAlphabet is the set of characters allowed in the pre-release and
// build metadata of a semantic version.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// revisionLen is the number of commit hash characters kept as build metadata.
const revisionLen = 12

var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*` +
	`[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Semver is a parsed semantic version.
type Semver struct {
	Major, Minor, Patch uint32
	PreRelease          string
	BuildMetadata       string
}

// String formats the version as major.minor.patch[-pre][+build].
func (v *Semver) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	if v.BuildMetadata != "" {
		s += "+" + v.BuildMetadata
	}
	return s
}

// ParseSemver parses a semantic version string.
func ParseSemver(s string) (*Semver, error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("malformed version string %q", s)
	}
	v := &Semver{PreRelease: m[4], BuildMetadata: m[5]}
	for i, part := range []*uint32{&v.Major, &v.Minor, &v.Patch} {
		if _, err := fmt.Sscan(m[i+1], part); err != nil {
			return nil, fmt.Errorf("malformed version number %q: %w", m[i+1], err)
		}
	}
	return v, nil
}

// Parse validates version and, when it has no build metadata, adds the
// revision of the source the binary was built from. Parse panics on a
// malformed version, which is a build error.
func Parse(version string) string {
	v, err := ParseSemver(version)
	if err != nil {
		panic(err)
	}
	if v.BuildMetadata == "" {
		v.BuildMetadata = vcsRevision()
	}
	return v.String()
}

// vcsRevision is the shortened commit hash recorded by the go tool, with a
// "dirty" suffix for modified trees. It is empty when the binary was built
// outside a repository.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	rev = NormalizeString(rev)
	if len(rev) > revisionLen {
		rev = rev[:revisionLen]
	}
	if rev != "" && modified {
		rev += ".dirty"
	}
	return rev
}

// NormalizeString strips the characters that are not allowed in pre-release
// and build metadata.
func NormalizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

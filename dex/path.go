// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// CleanAndExpandPath expands environment variables and a leading ~ or ~user,
// then cleans the path. An empty path is returned as is. A home directory
// that can't be found is replaced by the working directory.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	name, rest := path[1:], ""
	if i := strings.IndexAny(name, `/`+string(os.PathSeparator)); i >= 0 {
		name, rest = name[:i], name[i:]
	}
	return filepath.Join(homeDir(name), rest)
}

// homeDir is the home directory of the named user, or of the current user if
// name is empty.
func homeDir(name string) string {
	var dir string
	if name == "" {
		dir, _ = os.UserHomeDir()
	} else if u, err := user.Lookup(name); err == nil {
		dir = u.HomeDir
	}
	if dir == "" {
		return "."
	}
	return dir
}

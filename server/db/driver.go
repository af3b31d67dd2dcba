// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openexch/matchengine/dex"
)

// Driver creates Archivers for one database backend. Open must verify that
// the database is reachable and ready to be written.
type Driver interface {
	Open(ctx context.Context, cfg any) (Archiver, error)
	UseLogger(logger dex.Logger)
}

var drivers = struct {
	sync.Mutex
	m map[string]Driver
}{m: make(map[string]Driver)}

// Register makes a backend available to Open by name. It is called from the
// init function of the backend's package and panics on a nil or duplicate
// driver.
func Register(name string, driver Driver) {
	drivers.Lock()
	defer drivers.Unlock()
	if driver == nil {
		panic("db: nil driver " + name)
	}
	if _, dup := drivers.m[name]; dup {
		panic("db: driver " + name + " registered twice")
	}
	drivers.m[name] = driver
}

// Open creates an Archiver with the named backend.
func Open(ctx context.Context, name string, cfg any) (Archiver, error) {
	drivers.Lock()
	drv, ok := drivers.m[name]
	drivers.Unlock()
	if !ok {
		return nil, fmt.Errorf("db: unknown driver %q, registered drivers are %v", name, Drivers())
	}
	return drv.Open(ctx, cfg)
}

// Drivers lists the registered backends.
func Drivers() []string {
	drivers.Lock()
	defer drivers.Unlock()
	names := make([]string, 0, len(drivers.m))
	for name := range drivers.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UseLogger sets the logger of every registered backend.
func UseLogger(logger dex.Logger) {
	drivers.Lock()
	defer drivers.Unlock()
	for _, drv := range drivers.m {
		drv.UseLogger(logger)
	}
}

// SPDX-License-Identifier: MIT

package transport

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultDriver is the driver selected when none is configured. The stub
// consumes streams without a real voice chat, which keeps transport-less
// deployments on the same wiring as production builds.
const DefaultDriver = "stub"

var (
	driversMu sync.RWMutex
	drivers   = map[string]func() Transport{
		DefaultDriver: func() Transport { return &Stub{} },
	}
)

// RegisterDriver installs a transport constructor under name. Concrete
// voice-chat clients register themselves from their own packages; a later
// registration under the same name wins.
func RegisterDriver(name string, build func() Transport) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = build
}

// NewDriver builds the named transport. Empty selects DefaultDriver.
func NewDriver(name string) (Transport, error) {
	if name == "" {
		name = DefaultDriver
	}
	driversMu.RLock()
	build, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		driversMu.RLock()
		known := make([]string, 0, len(drivers))
		for n := range drivers {
			known = append(known, n)
		}
		driversMu.RUnlock()
		sort.Strings(known)
		return nil, fmt.Errorf("transport: unknown driver %q (registered: %v)", name, known)
	}
	return build(), nil
}

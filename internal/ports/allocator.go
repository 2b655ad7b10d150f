// Package ports assigns collision-free daemon ports using the registry as
// the conflict domain. Allocation is only meaningful inside a registry-locked
// transaction; the caller persists the result before releasing the lock.
package ports

import (
	"fmt"
	"net"

	"github.com/OpenMined/sbenv/internal/registry"
)

// MaxScan bounds the upward scan from the base port.
const MaxScan = 1000

// probeBind reports whether the port can actually be bound on localhost,
// catching ports held by processes outside sbenv's bookkeeping.
var probeBind = func(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Reserve picks a port for a new environment. A preferred port is honored if
// no record of any status holds it; otherwise the scan starts at base and
// walks upward, skipping registry-held ports and probe-binding each candidate
// at the socket layer. Freed ports become eligible again automatically since
// availability is recomputed from the registry snapshot on every call.
func Reserve(reg *registry.Registry, preferred, base int) (int, error) {
	if preferred > 0 && !reg.PortInUse(preferred) && probeBind(preferred) {
		return preferred, nil
	}

	for port := base; port < base+MaxScan; port++ {
		if reg.PortInUse(port) {
			continue
		}
		if !probeBind(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: scanned %d-%d", registry.ErrPortExhausted, base, base+MaxScan-1)
}

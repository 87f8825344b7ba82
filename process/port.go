package process

import (
	"fmt"
	"math/rand"
	"net"
)

// IsPortAvailable checks if a localhost TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// FreePortInRange probes ports in [min, max] starting at a random offset and
// returns the first that can be bound. Nothing is reserved: the port may be
// taken again before the caller uses it.
func FreePortInRange(min, max int) (int, error) {
	if min <= 0 || max < min {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	span := max - min + 1
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := min + (start+i)%span
		if IsPortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", min, max)
}

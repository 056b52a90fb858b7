// Package ports picks the three TCP ports gritsync needs — the DVCS daemon
// bind port, the peer-facing connect port, and the tunnel's heartbeat
// monitor port — verifying each candidate is free on both hosts before
// committing to it.
package ports

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// Triple is the set of ports a single sync session needs.
type Triple struct {
	BindPort    int
	ConnectPort int
	MonitorPort int
}

// Prober reports whether a TCP port appears bound on a host, by running
// that host's `netstat` (or platform equivalent) and scanning the output.
// Implemented by internal/hostctx.Host; declared narrowly here so this
// package has no dependency on hostctx.
type Prober interface {
	PortsInUse(ctx context.Context) (map[int]bool, error)
}

// maxAttempts bounds the random-candidate search before Pick gives up.
const maxAttempts = 200

// Pick selects three distinct free ports in [low, high] that are free on
// every given host, by intersecting random candidates against each host's
// observed in-use set.
func Pick(ctx context.Context, low, high int, hosts []Prober) (Triple, error) {
	if low <= 0 || high <= low {
		return Triple{}, fmt.Errorf("invalid port range [%d, %d]", low, high)
	}

	inUse := make(map[int]bool)
	for _, h := range hosts {
		used, err := h.PortsInUse(ctx)
		if err != nil {
			return Triple{}, fmt.Errorf("probing ports in use: %w", err)
		}
		for p := range used {
			inUse[p] = true
		}
	}

	chosen := make([]int, 0, 3)
	seen := make(map[int]bool)
	span := high - low + 1
	for attempt := 0; attempt < maxAttempts && len(chosen) < 3; attempt++ {
		candidate := low + rand.Intn(span)
		if seen[candidate] || inUse[candidate] {
			continue
		}
		seen[candidate] = true
		chosen = append(chosen, candidate)
	}
	if len(chosen) < 3 {
		return Triple{}, fmt.Errorf("could not find 3 free ports in [%d, %d] after %d attempts", low, high, maxAttempts)
	}
	return Triple{BindPort: chosen[0], ConnectPort: chosen[1], MonitorPort: chosen[2]}, nil
}

// ParseNetstatPorts extracts every port number that appears in an
// address:port or address.port token of BSD/Linux netstat -an or Windows
// netstat output. Foreign-address ports are included along with local ones.
func ParseNetstatPorts(output string) map[int]bool {
	ports := make(map[int]bool)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for _, f := range fields {
			// Looking for address:port or address.port tokens, e.g.
			// "127.0.0.1:34012", "*.34012", "0.0.0.0:34012".
			idx := strings.LastIndexAny(f, ":.")
			if idx < 0 || idx == len(f)-1 {
				continue
			}
			portStr := f[idx+1:]
			port, err := strconv.Atoi(portStr)
			if err != nil || port <= 0 || port > 65535 {
				continue
			}
			ports[port] = true
		}
	}
	return ports
}

package connectivity

import (
	"context"
	"net"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// NetworkReachability reports reachable when a non-loopback interface is
// up with an address and, if addr is set, a TCP connection to addr
// succeeds.
func NetworkReachability(addr string, timeout time.Duration) ReachabilityFunc {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return func(ctx context.Context) bool {
		if !hasActiveInterface() {
			return false
		}
		if addr == "" {
			return true
		}

		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

func hasActiveInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

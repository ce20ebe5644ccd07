package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker dials a backend that exposes no health path. Accepting the
// connection is the whole check.
type TCPChecker struct {
	addr   string
	dialer net.Dialer
}

// NewTCPChecker dials addr with a 5s timeout
func NewTCPChecker(addr string) *TCPChecker {
	return &TCPChecker{addr: addr, dialer: net.Dialer{Timeout: 5 * time.Second}}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return failed(start, Categorize(err), "dial %s: %v", t.addr, err)
	}
	_ = conn.Close()
	return passed(start, "accepted on %s", t.addr)
}

func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.dialer.Timeout = timeout
	return t
}

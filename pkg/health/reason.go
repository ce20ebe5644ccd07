package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Failure categories reported in Result.Reason and by backend clients
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns"
	ReasonCanceled          = "canceled"
	ReasonNetwork           = "network"
)

// Categorize maps a transport error onto a failure category
func Categorize(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	case errors.As(err, &dnsErr):
		return ReasonDNS
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonNetwork
	}
}

// StatusReason is the category for an unexpected HTTP status
func StatusReason(code int) string {
	return fmt.Sprintf("status_%d", code)
}

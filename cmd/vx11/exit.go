package main

import (
	"errors"
	"net/http"

	"github.com/vx11/vx11/pkg/client"
)

// Process exit codes
const (
	exitOK          = 0
	exitError       = 1
	exitDenied      = 2
	exitAuth        = 3
	exitUnavailable = 4
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, client.ErrUnavailable) {
		return exitUnavailable
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return exitError
	}
	// a backend's own 4xx is not a policy or auth verdict of the gateway
	if apiErr.Outcome != nil {
		return exitError
	}
	switch apiErr.StatusCode {
	case http.StatusLocked, http.StatusConflict:
		return exitDenied
	case http.StatusUnauthorized, http.StatusForbidden:
		return exitAuth
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable:
		return exitUnavailable
	default:
		return exitError
	}
}

package controller

import "errors"

var (
	// errBackendFailed is surfaced to Acquire callers while an app sits in
	// Failed, or when a Waiting future resolves because the start attempt
	// it was parked on failed.
	errBackendFailed = errors.New("backend failed to start")
	// errShuttingDown is surfaced to any Acquire call made after Shutdown
	// has been requested.
	errShuttingDown = errors.New("app is shutting down")
)

// Package appspec holds the immutable per-app configuration data model
// (spec §3), shared by the config loader, the registry, and the lifecycle
// controller.
package appspec

import (
	"fmt"
	"strings"
	"time"
)

// Command is either a single start-only shell string (stopped via signals)
// or a {start, end} pair (stopped by running the end command).
type Command struct {
	// Start is always required: the shell command that launches the backend.
	Start string
	// End, if non-empty, is run to stop the backend instead of signalling it.
	End string
}

// HealthBackoff configures the exponential backoff used while probing for
// readiness.
type HealthBackoff struct {
	InitialMillis int
	MaxSeconds    int
}

// App is one configured backend, keyed by its unique Hostname.
type App struct {
	Hostname string
	// Address is the backend's loopback endpoint, host:port.
	Address string
	Command Command

	HealthCheckPath string
	HealthBackoff   HealthBackoff

	StartTimeout time.Duration
	StopTimeout  time.Duration

	// AdaptiveWait, if true, uses MinWait/MaxWait/LowRate/HighRate instead
	// of WaitPeriod.
	AdaptiveWait bool
	WaitPeriod   time.Duration
	MinWait      time.Duration
	MaxWait      time.Duration
	LowRate      float64
	HighRate     float64

	// ColdStartPagePath, if non-empty, points at an HTML file served to
	// HTML-preferring clients while the backend is Starting.
	ColdStartPagePath string

	// AlsoWarm is the set of other hostnames to warm (non-waiting acquire)
	// whenever this app receives traffic.
	AlsoWarm []string
}

// Validate checks the invariants spec.md §3 requires of a single app.
func (a App) Validate() error {
	if a.Hostname == "" {
		return fmt.Errorf("app is missing a hostname")
	}
	if a.Address == "" {
		return fmt.Errorf("app %q: address is required", a.Hostname)
	}
	if a.Command.Start == "" {
		return fmt.Errorf("app %q: command is required", a.Hostname)
	}
	if a.StartTimeout <= 0 {
		return fmt.Errorf("app %q: start_timeout must be positive", a.Hostname)
	}
	if a.StopTimeout <= 0 {
		return fmt.Errorf("app %q: stop_timeout must be positive", a.Hostname)
	}
	if a.AdaptiveWait {
		if a.MinWait > a.MaxWait {
			return fmt.Errorf("app %q: adaptive_wait requires min_wait <= max_wait", a.Hostname)
		}
		if a.LowRate >= a.HighRate {
			return fmt.Errorf("app %q: adaptive_wait requires low_rate < high_rate", a.Hostname)
		}
	} else if a.WaitPeriod <= 0 {
		return fmt.Errorf("app %q: wait_period must be positive when adaptive_wait is disabled", a.Hostname)
	}
	return nil
}

// NormalizeHost lowercases the ASCII letters of the hostname component of
// host, ignoring any ":port" suffix, per spec §4.6's case-insensitive
// lookup rule.
func NormalizeHost(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		// Only strip a trailing ":port" if everything after the colon is
		// numeric and the colon is the only one or follows "]", so IPv6
		// literals without a port are left alone.
		if isAllDigits(host[i+1:]) && (strings.IndexByte(host, ':') == i || host[i-1] == ']') {
			host = host[:i]
		}
	}
	b := []byte(host)
	for i, ch := range b {
		if 'A' <= ch && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

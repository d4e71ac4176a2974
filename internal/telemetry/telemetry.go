// Package telemetry provides no-op telemetry functions.
//
// Nothing is transmitted anywhere without explicit opt-in. All functions are
// stubs by default; a real implementation can be swapped in via build tags
// once a consent flow exists.
package telemetry

// IsEnabled returns false always (telemetry disabled by default).
func IsEnabled() bool {
	return false
}

// TrackEvent tracks an engine event (no-op).
// The scheduler reports flush outcomes and degraded transitions here.
func TrackEvent(name string, properties map[string]interface{}) {
}

// TrackError tracks an error (no-op).
func TrackError(name string, err error) {
}

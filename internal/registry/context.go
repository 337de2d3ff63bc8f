package registry

import (
	"time"

	"github.com/google/uuid"
)

// ExecContext is the ephemeral per-call record for one capability execution.
// It lives only for the duration of the call and is never stored.
type ExecContext struct {
	PluginID     string
	CapabilityID string
	RequestID    string
	UserID       string // Optional, empty when the caller is anonymous
	Timeout      time.Duration
	StartTime    time.Time
}

// newExecContext builds a context with a fresh request id.
func newExecContext(pluginID, capabilityID, userID string, timeout time.Duration) ExecContext {
	return ExecContext{
		PluginID:     pluginID,
		CapabilityID: capabilityID,
		RequestID:    uuid.NewString(),
		UserID:       userID,
		Timeout:      timeout,
		StartTime:    time.Now(),
	}
}

// Elapsed returns how long the call has been running.
func (ec ExecContext) Elapsed() time.Duration {
	return time.Since(ec.StartTime)
}

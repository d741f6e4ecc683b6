// Package replay implements the per-session replay engine: it consumes a
// stream of timed commands captured from a source database workload and
// re-executes them against a target database, preserving per-session
// ordering and the original inter-command timing as closely as scheduling
// allows.
package replay

import "time"

// NoOffset marks a CommandRecord that carries no replay offset. The
// scheduler treats it as "execute immediately" without affecting
// consecutiveSkippedDelays.
const NoOffset time.Duration = -1

// CommandRecord is the immutable value delivered by the (out-of-scope)
// dispatcher for execution against the target database.
type CommandRecord struct {
	SessionID string

	// AppName is the originating application's name, used for
	// mimic_application_name.
	AppName string

	// Database is the source-side database name this command targeted.
	// It is translated through the worker's database map before use.
	Database string

	Text string

	// EventSequence is monotonic within a session and is used only for
	// logging/tracing; the engine does not interpret it for ordering
	// (ordering is the queue's job).
	EventSequence int64

	// ReplayOffset is the number of milliseconds, expressed as a
	// time.Duration, between the worker's anchor time and the moment this
	// command should be re-executed. NoOffset means the source capture
	// recorded no offset for this command.
	ReplayOffset time.Duration

	OriginalStartTime time.Time
}

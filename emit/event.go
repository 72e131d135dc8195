package emit

// Event represents an observability event emitted during run execution.
//
// Events provide detailed insight into receipt-system behavior:
//   - Checkpoint appended (Step or Incident)
//   - Budget admission checks and projections
//   - CAR builds and verifications
//   - Archive export/import operations
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the order_index of the step config this event concerns.
	// Zero for run-level events (start, complete, archive operations).
	Step int

	// NodeID identifies the checkpoint or step config this event concerns.
	// Empty string for run-level events.
	NodeID string

	// Msg is a human-readable description of the event, e.g.
	// "checkpoint_appended", "budget_exceeded", "car_built", "archive_imported".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": operation duration in milliseconds
	//   - "error": error details
	//   - "tokens": token count for an inference call
	//   - "checkpoint_id": checkpoint identifier
	//   - "incident_kind": incident kind, when Msg reports an incident
	Meta map[string]interface{}
}

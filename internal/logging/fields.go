package logging

// Standardized structured logging keys.
const (
	// FieldComponent names the emitting component (registry, conversion, ...).
	FieldComponent = "component"
	// FieldRunID correlates every line emitted by one pipeline run.
	FieldRunID = "run_id"
	// FieldStage names the pipeline stage (scan, conversion, transcription, fusion, dedup).
	FieldStage = "stage"
	// FieldContact names the chat contact owning the file or message.
	FieldContact = "contact"
	// FieldFingerprint carries a content fingerprint (usually shortened).
	FieldFingerprint = "fingerprint"
	// FieldPath carries a filesystem path.
	FieldPath = "path"
	// FieldFailureKind carries the failure taxonomy kind of an item.
	FieldFailureKind = "failure_kind"
	// FieldEventType identifies the kind of event for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests a next step to the operator.
	FieldErrorHint = "error_hint"
	// FieldImpact states the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

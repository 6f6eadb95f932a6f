package model

// MappingStatus carries the per-tenant, per-mapping counters maintained by
// the failure tracker and periodically flushed to the status sink. Counters
// are plain values; concurrent mutation is the tracker's responsibility.
type MappingStatus struct {
	// Identifier is the mapping's stable business key.
	Identifier string `json:"identifier"`
	Name       string `json:"name"`

	MessagesReceived int64 `json:"messagesReceived"`
	Errors           int64 `json:"errors"`
	// ConsecutiveFailures resets to zero on every successful message.
	// Reaching the mapping's failure threshold deactivates the mapping.
	ConsecutiveFailures int64 `json:"consecutiveFailures"`
	// SnoopedTemplatesActive counts samples captured while snooping.
	SnoopedTemplatesActive int64 `json:"snoopedTemplatesActive"`

	CurrentFailure string `json:"currentFailure,omitempty"`
}

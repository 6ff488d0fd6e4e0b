package schema

// SnapshotRequest asks the state coordinator to persist component state.
type SnapshotRequest struct {
	Meta   Meta   `json:"meta"`
	Reason string `json:"reason,omitempty"`
}

// SnapshotWritten reports a persisted snapshot.
type SnapshotWritten struct {
	Meta       Meta     `json:"meta"`
	RunID      string   `json:"runId"`
	Location   string   `json:"location"`
	Bytes      int      `json:"bytes"`
	Collectors []string `json:"collectors"`
}

// RecoveryRequest asks the state coordinator to restore the latest snapshot.
type RecoveryRequest struct {
	Meta Meta `json:"meta"`
}

// RecoveryLoaded reports a successful state restore.
type RecoveryLoaded struct {
	Meta       Meta     `json:"meta"`
	RunID      string   `json:"runId"`
	TakenAt    TimeMS   `json:"takenAt"`
	Collectors []string `json:"collectors"`
}

// RecoveryFailed reports an unsuccessful state restore.
type RecoveryFailed struct {
	Meta   Meta   `json:"meta"`
	Reason string `json:"reason"`
}

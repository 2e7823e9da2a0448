package app

import (
	"encoding/json"
	"time"
)

// Run statuses recorded in sync_runs.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// SyncOperation tracks one CLI invocation that may mutate the replica.
// Operations are created in memory with ID=0; only sync runs persist them,
// which gives them an auto-increment ID from the database. That ID is also
// the version of the replica snapshot uploaded on Close.
type SyncOperation struct {
	ID         int64
	RunID      string
	Operation  string
	Parameters string
	Status     string
}

// NewSyncOperation creates a new in-memory operation.
func NewSyncOperation(runID, operation, parameters string) *SyncOperation {
	return &SyncOperation{
		RunID:      runID,
		Operation:  operation,
		Parameters: parameters,
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *SyncOperation) Persisted() bool {
	return op.ID != 0
}

// SyncParams are the user-selected bounds of a sync run.
type SyncParams struct {
	Kind       string    `json:"kind"`
	Namespaces []int     `json:"namespaces,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func (p SyncParams) encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

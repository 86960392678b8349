// Package progress publishes import job snapshots and relays them to
// observers.
//
// A job's snapshots travel two ways: broadcast on the per-job channel
// progress:{jobID} for observers already attached, and cached under
// task_status:{jobID} for observers that attach late. Relay combines both
// so a newly attached observer sees the current state without waiting for
// the next announcement.
package progress

import (
	"encoding/json"
	"fmt"
)

// Status is an import job lifecycle state.
type Status string

const (
	StatusCounting  Status = "counting"
	StatusImporting Status = "importing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further snapshots follow this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is the unit exchanged over the announcement channel and the
// status cache.
type Snapshot struct {
	JobID     string  `json:"task_id"`
	Status    Status  `json:"status"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message"`
	Total     int     `json:"total_rows"`
	Processed int     `json:"processed_rows"`
}

// ChannelKey is the pub/sub topic for a job.
func ChannelKey(jobID string) string {
	return "progress:" + jobID
}

// CacheKey is the status cache key for a job.
func CacheKey(jobID string) string {
	return "task_status:" + jobID
}

// Encode serializes s for the wire.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a serialized snapshot.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

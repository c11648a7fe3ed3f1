package domain

import "time"

type RelayOutcome string

const (
	RelayCompleted          RelayOutcome = "completed"
	RelayFailedBeforeBytes  RelayOutcome = "failed_before_bytes"
	RelayAbortedMidStream   RelayOutcome = "aborted_mid_stream"
	RelayClientDisconnected RelayOutcome = "client_gone"
)

// RelayRecord is the journal entry written after a relay request finishes.
type RelayRecord struct {
	ID         string       `json:"id"`
	Provider   string       `json:"provider,omitempty"`
	Locator    string       `json:"locator"`
	NodeID     string       `json:"nodeId,omitempty"`
	Method     string       `json:"method"`
	Ranged     bool         `json:"ranged"`
	Start      int64        `json:"start"`
	End        int64        `json:"end"`
	SizeBytes  int64        `json:"sizeBytes"`
	Status     int          `json:"status"`
	BytesSent  int64        `json:"bytesSent"`
	Outcome    RelayOutcome `json:"outcome"`
	ErrorKind  string       `json:"errorKind,omitempty"`
	DurationMs int64        `json:"durationMs"`
	StartedAt  time.Time    `json:"startedAt"`
}

package wire

import "encoding/json"

// Severity is the LogLine severity enum.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
)

// Instruction is any value powersync_control emits back to the host.
// EncodeInstructions wraps each concrete type below in a one-key JSON
// object whose key names the instruction.
type Instruction interface {
	instructionTag() string
}

type LogLine struct {
	Severity Severity `json:"severity"`
	Line     string   `json:"line"`
}

func (LogLine) instructionTag() string { return "LogLine" }

// PriorityStatus is one entry of UpdateSyncStatus.status.priority_status.
type PriorityStatus struct {
	Priority     int    `json:"priority"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	HasSynced    bool   `json:"has_synced"`
}

// DownloadProgress mirrors the engine's view of in-flight download size.
type DownloadProgress struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
}

// StreamStatus reports one stream subscription's liveness for the host UI.
type StreamStatus struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

type SyncStatus struct {
	Connected    bool              `json:"connected"`
	Connecting   bool              `json:"connecting"`
	PriorityStat []PriorityStatus  `json:"priority_status"`
	Downloading  *DownloadProgress `json:"downloading"`
	Streams      []StreamStatus    `json:"streams"`
}

type UpdateSyncStatus struct {
	Status SyncStatus `json:"status"`
}

func (UpdateSyncStatus) instructionTag() string { return "UpdateSyncStatus" }

// EstablishSyncStreamRequest is the body the host forwards verbatim as
// the request to open the transport stream.
type EstablishSyncStreamRequest struct {
	ClientID   string                `json:"client_id"`
	Buckets    []string              `json:"buckets"`
	Streams    StreamSubscribeConfig `json:"streams"`
	Parameters json.RawMessage       `json:"parameters,omitempty"`
}

type StreamSubscribeConfig struct {
	IncludeDefaults bool                   `json:"include_defaults"`
	Subscriptions   []StreamSubscribeEntry `json:"subscriptions"`
}

type StreamSubscribeEntry struct {
	Stream           string          `json:"stream"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	OverridePriority *int            `json:"override_priority,omitempty"`
}

type EstablishSyncStream struct {
	Request EstablishSyncStreamRequest `json:"request"`
}

func (EstablishSyncStream) instructionTag() string { return "EstablishSyncStream" }

type FetchCredentials struct {
	DidExpire bool `json:"did_expire"`
}

func (FetchCredentials) instructionTag() string { return "FetchCredentials" }

type CloseSyncStream struct {
	HideDisconnect bool `json:"hide_disconnect"`
}

func (CloseSyncStream) instructionTag() string { return "CloseSyncStream" }

type FlushFileSystem struct{}

func (FlushFileSystem) instructionTag() string { return "FlushFileSystem" }

type DidCompleteSync struct{}

func (DidCompleteSync) instructionTag() string { return "DidCompleteSync" }

// Tag returns the instruction's wire name (the key its JSON object is
// wrapped under), for dispatch and test assertions.
func Tag(i Instruction) string { return i.instructionTag() }

// EncodeInstructions renders the instruction list as the JSON array
// powersync_control returns to the host.
func EncodeInstructions(instructions []Instruction) ([]byte, error) {
	out := make([]map[string]any, 0, len(instructions))
	for _, instr := range instructions {
		b, err := json.Marshal(instr)
		if err != nil {
			return nil, err
		}
		var raw json.RawMessage = b
		out = append(out, map[string]any{instr.instructionTag(): raw})
	}
	return json.Marshal(out)
}

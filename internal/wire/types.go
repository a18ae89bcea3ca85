// Package wire decodes the sync protocol's two line encodings (JSON and
// BSON) into a single Go representation, and encodes the instructions the
// state machine emits back to the host.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OpID is a 64-bit op identifier, transmitted on the wire as a decimal
// string.
type OpID int64

func (o OpID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(o), 10))
}

func (o *OpID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid op_id %q: %w", s, err)
		}
		*o = OpID(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid op_id: %w", err)
	}
	*o = OpID(n)
	return nil
}

// Op is one of PUT, REMOVE, CLEAR.
type Op string

const (
	OpPut    Op = "PUT"
	OpRemove Op = "REMOVE"
	OpClear  Op = "CLEAR"
)

// BucketDescription is one entry of a checkpoint's bucket list.
type BucketDescription struct {
	Bucket        string                  `json:"bucket"`
	Checksum      uint32                  `json:"checksum"`
	Priority      int                     `json:"priority"`
	Count         int                     `json:"count"`
	Subscriptions []BucketSubscriptionRef `json:"subscriptions,omitempty"`
}

// BucketSubscriptionRef ties a bucket to either a default stream index or
// an explicit subscription index.
type BucketSubscriptionRef struct {
	Default *int `json:"default,omitempty"`
	Sub     *int `json:"sub,omitempty"`
}

// StreamError is carried inside a checkpoint's streams[].errors[].
type StreamError struct {
	Message      string `json:"message"`
	Subscription int    `json:"subscription"`
}

// StreamDescription is one entry of a checkpoint's streams list.
type StreamDescription struct {
	Name      string        `json:"name"`
	IsDefault bool          `json:"is_default"`
	Errors    []StreamError `json:"errors,omitempty"`
}

// CheckpointBody is the payload of a `checkpoint` line.
type CheckpointBody struct {
	LastOpID        OpID                `json:"last_op_id"`
	WriteCheckpoint *string             `json:"write_checkpoint"`
	Buckets         []BucketDescription `json:"buckets"`
	Streams         []StreamDescription `json:"streams,omitempty"`
}

// CheckpointDiffBody is the payload of a `checkpoint_diff` line.
type CheckpointDiffBody struct {
	UpdatedBuckets  []BucketDescription `json:"updated_buckets"`
	RemovedBuckets  []string            `json:"removed_buckets"`
	LastOpID        OpID                `json:"last_op_id"`
	WriteCheckpoint *string             `json:"write_checkpoint"`
}

// OplogEntryWire is one entry of a data line's `data` array.
type OplogEntryWire struct {
	OpID       OpID    `json:"op_id"`
	Op         Op      `json:"op"`
	ObjectType string  `json:"object_type"`
	ObjectID   string  `json:"object_id"`
	Subkey     *string `json:"subkey,omitempty"`
	Checksum   uint32  `json:"checksum"`
	Data       *string `json:"data"`
}

// DataBody is the payload of a `data` line.
type DataBody struct {
	Bucket    string           `json:"bucket"`
	HasMore   bool             `json:"has_more"`
	After     *string          `json:"after"`
	NextAfter *string          `json:"next_after"`
	Data      []OplogEntryWire `json:"data"`
}

// CheckpointCompleteBody is the payload of `checkpoint_complete`.
type CheckpointCompleteBody struct {
	LastOpID OpID `json:"last_op_id"`
}

// PartialCheckpointCompleteBody is the payload of
// `partial_checkpoint_complete`.
type PartialCheckpointCompleteBody struct {
	LastOpID OpID `json:"last_op_id"`
	Priority int  `json:"priority"`
}

// StreamErrorBody is the payload of a `stream_error` line.
type StreamErrorBody struct {
	Message      string `json:"message"`
	Subscription int    `json:"subscription"`
}

// Line is the union of every shape a server line can take. Exactly one
// field should be non-nil; the state machine dispatches on whichever it
// finds set, in the order checked by Kind.
type Line struct {
	Checkpoint                *CheckpointBody                `json:"checkpoint,omitempty"`
	CheckpointDiff            *CheckpointDiffBody            `json:"checkpoint_diff,omitempty"`
	Data                      *DataBody                      `json:"data,omitempty"`
	CheckpointComplete        *CheckpointCompleteBody        `json:"checkpoint_complete,omitempty"`
	PartialCheckpointComplete *PartialCheckpointCompleteBody `json:"partial_checkpoint_complete,omitempty"`
	TokenExpiresIn            *int64                         `json:"token_expires_in,omitempty"`
	StreamError               *StreamErrorBody               `json:"stream_error,omitempty"`
}

// Kind names which field of Line is populated, for logging and dispatch.
func (l *Line) Kind() string {
	switch {
	case l.Checkpoint != nil:
		return "checkpoint"
	case l.CheckpointDiff != nil:
		return "checkpoint_diff"
	case l.Data != nil:
		return "data"
	case l.CheckpointComplete != nil:
		return "checkpoint_complete"
	case l.PartialCheckpointComplete != nil:
		return "partial_checkpoint_complete"
	case l.TokenExpiresIn != nil:
		return "token_expires_in"
	case l.StreamError != nil:
		return "stream_error"
	default:
		return "unknown"
	}
}

// Package syncclient implements the sync protocol state machine driving
// one client session: consuming server lines, maintaining
// checkpoint state, validating checksums, applying operations, and
// emitting instructions for the host.
package syncclient

import (
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
)

// Phase is the session's coarse state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseStreaming
	PhaseValidating
	PhaseApplying
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseStreaming:
		return "streaming"
	case PhaseValidating:
		return "validating"
	case PhaseApplying:
		return "applying"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Checkpoint is the in-memory session state: the current target op-id
// plus the list of expected buckets with their declared checksums.
type Checkpoint struct {
	LastOpID        int64
	WriteCheckpoint *string
	Buckets         map[string]wire.BucketDescription
	Streams         []wire.StreamDescription
}

func newCheckpointFromLine(body wire.CheckpointBody) *Checkpoint {
	cp := &Checkpoint{
		LastOpID:        int64(body.LastOpID),
		WriteCheckpoint: body.WriteCheckpoint,
		Buckets:         make(map[string]wire.BucketDescription, len(body.Buckets)),
		Streams:         body.Streams,
	}
	for _, b := range body.Buckets {
		cp.Buckets[b.Bucket] = b
	}
	return cp
}

// ApplyDiff mutates cp in place per a `checkpoint_diff` line.
func (cp *Checkpoint) ApplyDiff(diff wire.CheckpointDiffBody) {
	cp.LastOpID = int64(diff.LastOpID)
	cp.WriteCheckpoint = diff.WriteCheckpoint
	for _, b := range diff.UpdatedBuckets {
		cp.Buckets[b.Bucket] = b
	}
	for _, name := range diff.RemovedBuckets {
		delete(cp.Buckets, name)
	}
}

// BucketNames returns every bucket name in the checkpoint except $local.
func (cp *Checkpoint) BucketNames(excludeLocal string) []string {
	names := make([]string, 0, len(cp.Buckets))
	for name := range cp.Buckets {
		if name == excludeLocal {
			continue
		}
		names = append(names, name)
	}
	return names
}

// BucketsAtPriority returns the bucket names whose declared priority is
// <= p.
func (cp *Checkpoint) BucketsAtPriority(p int) []string {
	var names []string
	for name, b := range cp.Buckets {
		if b.Priority <= p {
			names = append(names, name)
		}
	}
	return names
}

// ChecksumsFor returns the declared checksum for each named bucket.
func (cp *Checkpoint) ChecksumsFor(names []string) map[string]uint32 {
	out := make(map[string]uint32, len(names))
	for _, n := range names {
		if b, ok := cp.Buckets[n]; ok {
			out[n] = b.Checksum
		}
	}
	return out
}

// Session is the in-memory state for one sync connection, owned by the
// extension instance for the lifetime of the host database connection.
type Session struct {
	Phase          Phase
	Checkpoint     *Checkpoint
	TokenExpiresAt *time.Time
	Progress       Progress
}

// NewSession returns a fresh, idle session.
func NewSession() *Session {
	return &Session{Phase: PhaseIdle, Progress: make(Progress)}
}

// Reset clears all in-memory state, used by `stop` and connection close.
func (s *Session) Reset() {
	s.Phase = PhaseIdle
	s.Checkpoint = nil
	s.TokenExpiresAt = nil
	s.Progress = make(Progress)
}

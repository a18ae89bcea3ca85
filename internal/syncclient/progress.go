package syncclient

import (
	"context"

	"github.com/powersync-ja/powersync-sqlite-core/internal/hostdb"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
)

// BucketProgress is one bucket's contribution to download progress,
// rebuilt from ps_buckets.count_at_last/count_since_last.
type BucketProgress struct {
	CountAtLast    int64
	CountSinceLast int64
	TargetCount    int
}

// Progress maps bucket name to its progress snapshot.
type Progress map[string]BucketProgress

// Rebuild repopulates p from the current ps_buckets rows. Called once at
// session start; after that handleData updates the bucket's entry from
// each `data` line's ApplyOps result.
func Rebuild(ctx context.Context, conn hostdb.Conn) (Progress, error) {
	buckets, err := oplog.ListBuckets(ctx, conn, false)
	if err != nil {
		return nil, err
	}
	p := make(Progress, len(buckets))
	for _, b := range buckets {
		p[b.Name] = BucketProgress{CountAtLast: b.CountAtLast, CountSinceLast: b.CountSinceLast}
	}
	return p, nil
}

// ApplyCheckpointCounts overlays each bucket's declared `count` from a
// checkpoint line onto the progress snapshot as the new target, and
// resets progress to zero when the server reports a smaller count than
// what's stored locally: the server defragmented the bucket, so the old
// counters would report a false already-synced state.
func (p Progress) ApplyCheckpointCounts(cp *Checkpoint) {
	for name, b := range cp.Buckets {
		cur, ok := p[name]
		if !ok {
			p[name] = BucketProgress{TargetCount: b.Count}
			continue
		}
		if int64(b.Count) < cur.CountAtLast+cur.CountSinceLast {
			cur.CountAtLast, cur.CountSinceLast = 0, 0
		}
		cur.TargetCount = b.Count
		p[name] = cur
	}
}

// Totals sums completed/total across every bucket, for
// UpdateSyncStatus.status.downloading.
func (p Progress) Totals() (completed, total int64) {
	for _, bp := range p {
		completed += bp.CountAtLast + bp.CountSinceLast
		total += int64(bp.TargetCount)
	}
	return completed, total
}

// DownloadProgress renders the wire shape for UpdateSyncStatus.
func (p Progress) DownloadProgress() *wire.DownloadProgress {
	completed, total := p.Totals()
	if total == 0 && completed == 0 {
		return nil
	}
	return &wire.DownloadProgress{Total: total, Completed: completed}
}

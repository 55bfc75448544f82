package replication

import (
	"context"

	"github.com/dirkpetersen/claudefs/pkg/log"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// SiteReplicator drives one (site, shard) tailer end to end: poll the
// local journal, ship the batch, and on a successful ack advance both
// the tailer's and the durable ReplicationWal's cursors together. It
// owns no scheduling of its own; the caller (typically a per-shard
// background loop in cmd/claudefs-metad) decides when to call Drive.
type SiteReplicator struct {
	site      types.SiteId
	shard     types.ShardId
	tailer    *JournalTailer
	transport SiteTransport
	wal       *ReplicationWal
}

// NewSiteReplicator wires a tailer to a transport and a wal for a
// single remote site.
func NewSiteReplicator(site types.SiteId, shard types.ShardId, tailer *JournalTailer, transport SiteTransport, wal *ReplicationWal) *SiteReplicator {
	return &SiteReplicator{site: site, shard: shard, tailer: tailer, transport: transport, wal: wal}
}

// Drive polls one batch and ships it, returning the number of entries
// shipped (0 if nothing was pending). A shipped batch with zero
// entries but a nonzero CompactedCount (every op in range was elided)
// still advances the cursor: there is nothing left for the remote site
// to apply, but the journal range has still been fully consumed.
func (r *SiteReplicator) Drive(ctx context.Context) (int, error) {
	batch, err := r.tailer.PollBatch()
	if err != nil {
		return 0, err
	}
	if batch.LastSequence == 0 {
		return 0, nil
	}
	if err := r.transport.Ship(ctx, r.site, r.shard, batch); err != nil {
		log.WithSite("replicator", uint64(r.site)).Warn().Err(err).Msg("batch ship failed, tailer has already advanced past this range")
		return 0, err
	}
	r.tailer.Acknowledge(batch.LastSequence)
	if err := r.wal.Advance(r.site, r.shard, batch.LastSequence, len(batch.Entries)); err != nil {
		return 0, err
	}
	return len(batch.Entries), nil
}

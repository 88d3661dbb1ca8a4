package tlog

import (
	"context"
	"fmt"
	"time"

	"tlogd/pkg/message"
	"tlogd/pkg/msgstore"
	"tlogd/pkg/types"

	"github.com/dustin/go-humanize"
)

// updateStorage periodically moves durable messages from memory to the persistent
// store, records progress of generations without buffered data and reclaims disk queue
// space nobody needs anymore.
func (g *Group) updateStorage(ctx context.Context) error {
	ticker := time.NewTicker(g.knobs.UpdateStorageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := g.updateStorageOnce(now); err != nil {
				return err
			}
		}
	}
}

func (g *Group) updateStorageOnce(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.expirePopDisableLocked(now); err != nil {
		return err
	}

	for g.bytesInput-g.bytesDurable > g.knobs.SpillThreshold {
		gen := g.oldestBufferingLocked()
		if gen == nil {
			break
		}
		spilled, err := g.spillLocked(gen, g.knobs.UpdateStorageByteLimit)
		if err != nil {
			return err
		}
		if spilled == 0 {
			break
		}
	}

	// a stopped oldest generation takes no more commits, so its data leaves memory
	// whatever the threshold
	if len(g.popOrder) > 0 {
		if oldest := g.popOrder[0]; oldest.stopped && oldest.store.Bytes() > 0 &&
			oldest.queueCommittedVersion.Get() > oldest.persistentDataVersion {
			if _, err := g.spillLocked(oldest, g.knobs.UpdateStorageByteLimit); err != nil {
				return err
			}
		}
	}

	for _, gen := range g.popOrder {
		if err := g.persistProgressLocked(gen); err != nil {
			return err
		}
	}

	if err := g.removeDrainedLocked(); err != nil {
		return err
	}
	return g.popDiskQueueLocked()
}

// oldestBufferingLocked returns the oldest generation with durable data in memory.
func (g *Group) oldestBufferingLocked() *Generation {
	for _, gen := range g.popOrder {
		if gen.store.Bytes() > 0 && gen.queueCommittedVersion.Get() > gen.persistentDataVersion {
			return gen
		}
	}
	return nil
}

// spillLocked writes the oldest durable versions of gen to the persistent store, at
// least one version and otherwise up to limit message bytes, and frees their memory.
func (g *Group) spillLocked(gen *Generation, limit int64) (int64, error) {
	durable := gen.queueCommittedVersion.Get()
	through := gen.persistentDataVersion
	var total int64
	gen.store.RangeSizes(func(v types.Version, sz msgstore.Sizes) bool {
		if v <= gen.persistentDataVersion {
			return true
		}
		if v > durable {
			return false
		}
		n := sz.Normal + sz.Txs
		if total > 0 && total+n > limit {
			return false
		}
		total += n
		through = v
		return true
	})
	if through == gen.persistentDataVersion {
		return 0, nil
	}

	batches := make(map[types.StorageTeamID][]message.VersionedMessages)
	for team := range gen.teams {
		gen.store.Range(team, gen.persistentDataVersion+1, through+1, func(v types.Version, msgs []byte) bool {
			batches[team] = append(batches[team], message.VersionedMessages{Version: v, Messages: msgs})
			return true
		})
	}

	if err := g.persist.Spill(gen.id, through, gen.knownCommittedVersion, batches); err != nil {
		err = fmt.Errorf("failed to spill generation %s through %d: %w", gen.id, through, err)
		g.terminate(err)
		return 0, err
	}

	var freed int64
	for team, entries := range batches {
		ts := gen.teams[team]
		ts.spilledThrough = max(ts.spilledThrough, entries[len(entries)-1].Version)
		freed += gen.store.TrimBefore(team, through+1)
	}
	gen.store.ForgetSizesBefore(through + 1)
	gen.persistentDataVersion = through
	gen.persistentDataDurableVersion = through
	g.releaseLocked(gen, freed)

	g.metrics.SpilledBytes.WithLabelValues(g.label).Add(float64(total))
	gen.logger.Debug("spilled", "through", through, "bytes", humanize.IBytes(uint64(total)),
		"unflushed", humanize.IBytes(uint64(g.bytesInput-g.bytesDurable)))
	return total, nil
}

// persistProgressLocked records the durable version of a generation that buffers no
// messages, so the disk queue records below it can be popped.
func (g *Group) persistProgressLocked(gen *Generation) error {
	durable := gen.queueCommittedVersion.Get()
	if durable <= gen.persistentDataVersion || !gen.store.Empty() {
		return nil
	}
	if err := g.persist.Spill(gen.id, durable, gen.durableKnownCommittedVersion, nil); err != nil {
		err = fmt.Errorf("failed to persist version of generation %s: %w", gen.id, err)
		g.terminate(err)
		return err
	}
	gen.store.ForgetSizesBefore(durable + 1)
	gen.persistentDataVersion = durable
	gen.persistentDataDurableVersion = durable
	return nil
}

// popDiskQueueLocked pops the disk queue below the oldest version any generation may
// still have to replay after a restart.
func (g *Group) popDiskQueueLocked() error {
	needed := types.MaxVersion
	for _, gen := range g.popOrder {
		needed = min(needed, gen.persistentDataVersion+1)
	}
	if err := g.queue.PopBefore(needed); err != nil {
		return fmt.Errorf("failed to pop disk queue before %d: %w", needed, err)
	}
	return nil
}

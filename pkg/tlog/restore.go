package tlog

import (
	"errors"
	"fmt"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/types"

	"github.com/dustin/go-humanize"
)

// restore loads the generations recorded in the persistent store, then replays the
// disk queue to rebuild the messages that were durable but not yet spilled.
func (g *Group) restore() error {
	start := time.Now()

	fresh, err := g.persist.CheckFormat()
	if err != nil {
		return err
	}

	metas, err := g.persist.Generations()
	if err != nil {
		return fmt.Errorf("failed to load generations: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, meta := range metas {
		if meta.ProtocolVersion>>16 != types.ProtocolVersion>>16 {
			return fmt.Errorf("generation %s written by protocol %#x: %w", meta.LogID, meta.ProtocolVersion, dberrors.ErrCorruptedData)
		}

		gen := newGeneration(generationSpec{
			LogID:         meta.LogID,
			RecoveryCount: meta.RecoveryCount,
			Locality:      meta.Locality,
			SpillType:     meta.SpillType,
			StartVersion:  meta.Version,
		}, g.storeConfig(), g.logger)
		gen.protocolVersion = meta.ProtocolVersion
		gen.knownCommittedVersion = meta.KnownCommitted
		gen.durableKnownCommittedVersion = meta.KnownCommitted
		gen.minKnownCommittedVersion = meta.KnownCommitted

		for team, popped := range meta.Popped {
			ts := gen.addTeam(team, popped)
			spilled, err := g.persist.HasSpilled(gen.id, team, types.MaxVersion)
			if err != nil {
				return fmt.Errorf("failed to inspect spilled messages: %w", err)
			}
			if spilled {
				ts.spilledThrough = meta.Version
			}
		}
		gen.stopLocked()
		g.insertGenerationLocked(gen)
	}

	var replayed, skipped int
	for {
		e, err := g.queue.ReadNext()
		if errors.Is(err, dberrors.ErrEndOfStream) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to replay disk queue: %w", err)
		}

		gen, ok := g.generations[e.ID]
		if !ok || e.Version <= gen.persistentDataVersion {
			skipped++
			continue
		}

		ts := gen.addTeam(e.StorageTeamID, 0)
		if len(e.Messages) > 0 && e.Version >= ts.popped {
			cost := gen.store.Append(e.StorageTeamID, e.Version, e.Messages)
			gen.bytesInput += cost
			g.bytesInput += cost
			g.overheadBytesInput += g.knobs.VersionMessagesEntryOverhead
		}
		if e.Version > gen.version.Get() {
			gen.version.Set(e.Version)
		}
		gen.knownCommittedVersion = max(gen.knownCommittedVersion, e.KnownCommittedVersion)
		replayed++
	}

	for _, gen := range g.popOrder {
		v := gen.version.Get()
		gen.queueCommittingVersion = v
		gen.queueCommittedVersion.Set(v)
		gen.durableKnownCommittedVersion = gen.knownCommittedVersion
		gen.initialized = true
		g.updateGenerationMetricsLocked(gen)
	}
	g.updateGroupMetricsLocked()

	g.logger.Info("group restored",
		"fresh", fresh,
		"generations", len(metas),
		"replayed", replayed,
		"skipped", skipped,
		"zeroFilled", g.queue.ZeroFilled(),
		"buffered", humanize.IBytes(uint64(g.bytesInput)),
		"took", time.Since(start),
	)
	return nil
}

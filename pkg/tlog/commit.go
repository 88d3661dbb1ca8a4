package tlog

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/logqueue"
	"tlogd/pkg/types"

	"github.com/dustin/go-humanize"
)

// Commit applies req to gen once every earlier version is applied, and replies after
// the version is durable on the disk queue with the durable known committed version.
//
// Retrying a commit is safe: a request whose version was already applied is a no-op
// that waits for the same durability. A request that skips ahead of the generation
// is a protocol violation and stops the generation.
func (g *Group) Commit(ctx context.Context, gen *Generation, req CommitRequest) (types.Version, error) {
	start := time.Now()

	if req.Version <= req.PrevVersion || req.KnownCommittedVersion > req.Version {
		return types.InvalidVersion, fmt.Errorf("commit of %d after %d with known committed %d: %w",
			req.Version, req.PrevVersion, req.KnownCommittedVersion, dberrors.ErrProtocolViolation)
	}

	g.mu.Lock()
	if gen.stopped {
		g.mu.Unlock()
		return types.InvalidVersion, dberrors.ErrTLogStopped
	}
	for team := range req.Messages {
		if _, ok := gen.teams[team]; !ok {
			g.mu.Unlock()
			return types.InvalidVersion, fmt.Errorf("team %s not in generation %s: %w", team, gen.id, dberrors.ErrTLogGroupNotFound)
		}
	}
	gen.minKnownCommittedVersion = max(gen.minKnownCommittedVersion, req.MinKnownCommittedVersion)
	g.mu.Unlock()

	select {
	case <-gen.version.WhenAtLeast(req.PrevVersion):
	case <-gen.stopCh:
		return types.InvalidVersion, dberrors.ErrTLogStopped
	case <-ctx.Done():
		return types.InvalidVersion, ctx.Err()
	}

	if err := g.waitBackpressure(ctx, gen, req.Version); err != nil {
		return types.InvalidVersion, err
	}

	g.mu.Lock()
	if gen.stopped {
		g.mu.Unlock()
		return types.InvalidVersion, dberrors.ErrTLogStopped
	}
	switch cur := gen.version.Get(); {
	case cur == req.PrevVersion:
		g.applyLocked(gen, req)
	case cur >= req.Version:
		g.metrics.DuplicateCommits.WithLabelValues(g.label).Inc()
		gen.logger.Debug("duplicate commit", "version", req.Version, "current", cur, "debugId", req.DebugID)
	default:
		g.stopLocked(gen, "commit out of order")
		g.mu.Unlock()
		return types.InvalidVersion, fmt.Errorf("commit of %d after %d while at %d: %w",
			req.Version, req.PrevVersion, cur, dberrors.ErrProtocolViolation)
	}
	g.mu.Unlock()

	if err := g.waitDurable(ctx, gen, req.Version); err != nil {
		return types.InvalidVersion, err
	}

	g.mu.Lock()
	dkcv := gen.durableKnownCommittedVersion
	g.mu.Unlock()

	g.metrics.CommitLatency.WithLabelValues(g.label).Observe(time.Since(start).Seconds())
	return dkcv, nil
}

// applyLocked buffers the messages of req, queues them for the next physical commit and
// advances the generation version.
func (g *Group) applyLocked(gen *Generation, req CommitRequest) {
	teams := make([]types.StorageTeamID, 0, len(req.Messages))
	for team := range req.Messages {
		teams = append(teams, team)
	}
	slices.SortFunc(teams, func(a, b types.StorageTeamID) int {
		return slices.Compare(a[:], b[:])
	})
	if len(teams) == 0 {
		// an empty record keeps the version in the queue
		teams = append(teams, req.StorageTeamID)
	}

	knownCommitted := max(gen.knownCommittedVersion, req.KnownCommittedVersion)
	for _, team := range teams {
		msgs := req.Messages[team]
		if len(msgs) > g.knobs.MaxMessageSize {
			gen.logger.Warn("large message", "team", team.String(), "version", req.Version,
				"size", humanize.IBytes(uint64(len(msgs))))
		}

		if len(msgs) > 0 {
			cost := gen.store.Append(team, req.Version, msgs)
			gen.bytesInput += cost
			g.bytesInput += cost
			g.overheadBytesInput += g.knobs.VersionMessagesEntryOverhead
		}

		start, end := g.queue.Push(logqueue.Entry{
			Version:               req.Version,
			KnownCommittedVersion: knownCommitted,
			ID:                    gen.id,
			StorageTeamID:         team,
			Messages:              msgs,
		})
		g.diskQueueCommitBytes += int64(end - start)
	}

	gen.knownCommittedVersion = knownCommitted
	if g.diskQueueCommitBytes > g.knobs.MaxQueueCommitBytes && !g.largeDiskQueueCommitBytes {
		g.largeDiskQueueCommitBytes = true
		g.largeCommit.Fire()
	}

	gen.version.Set(req.Version)
	g.metrics.Commits.WithLabelValues(g.label).Inc()
	g.updateGenerationMetricsLocked(gen)
	g.updateGroupMetricsLocked()
}

// waitBackpressure blocks while the group buffers more unflushed bytes than the hard
// limit. A stopped generation is never held back.
func (g *Group) waitBackpressure(ctx context.Context, gen *Generation, version types.Version) error {
	var lastWarning time.Time
	for {
		g.mu.Lock()
		unflushed := g.bytesInput - g.bytesDurable
		blocked := unflushed >= g.knobs.HardLimitBytes && !gen.stopped
		durableChanged := g.bytesDurableChanged.Wait()
		g.mu.Unlock()

		if !blocked {
			return nil
		}
		if time.Since(lastWarning) >= g.knobs.BackpressureWarningInterval {
			gen.logger.Warn("commit held back by unflushed data", "version", version,
				"unflushed", humanize.IBytes(uint64(unflushed)),
				"limit", humanize.IBytes(uint64(g.knobs.HardLimitBytes)))
			lastWarning = time.Now()
		}

		select {
		case <-durableChanged:
		case <-time.After(jitter(g.knobs.BackpressurePollInterval)):
		case <-gen.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitDurable waits until version is on the disk queue. A generation stopped in the
// meantime fails the commit even when the data made it to disk.
func (g *Group) waitDurable(ctx context.Context, gen *Generation, version types.Version) error {
	durable := gen.queueCommittedVersion.WhenAtLeast(version)
	ticker := time.NewTicker(g.knobs.CommitWaitWarningInterval)
	defer ticker.Stop()

	start := time.Now()
wait:
	for {
		select {
		case <-durable:
			break wait
		case <-gen.stopCh:
			break wait
		case <-ticker.C:
			gen.logger.Warn("commit waiting for queue commit", "version", version,
				"queueCommitted", gen.queueCommittedVersion.Get(), "waited", time.Since(start))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	stopped := gen.stopped
	g.mu.Unlock()
	if stopped {
		return dberrors.ErrTLogStopped
	}
	return nil
}

// ConfirmRunning fails once the generation is stopped.
func (g *Group) ConfirmRunning(gen *Generation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen.stopped {
		return dberrors.ErrTLogStopped
	}
	return nil
}

// Lock stops gen and returns its end once everything applied is durable.
func (g *Group) Lock(ctx context.Context, gen *Generation) (LockResult, error) {
	g.mu.Lock()
	g.stopLocked(gen, "locked")
	end := gen.version.Get()
	g.mu.Unlock()

	if err := gen.queueCommittedVersion.Wait(ctx, end); err != nil {
		return LockResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	gen.logger.Info("generation locked", "end", end, "knownCommitted", gen.knownCommittedVersion)
	return LockResult{GroupID: g.id, End: end, KnownCommittedVersion: gen.knownCommittedVersion}, nil
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
